// Package ownership implements the multi-method proof-of-ownership checks
// of spec §4.F: DNS-TXT, meta-tag, social-media presence, and manual review,
// combined into a single composite score gating scan submission.
package ownership

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// Weight is the maximum contribution a verified method makes to a brand's
// composite ownership score (spec §4.F).
const (
	WeightDNSTXT      = 1.0
	WeightMetaTag     = 0.9
	WeightSocialMedia = 0.7
	WeightManual      = 1.0
)

// MinScoreToScan is the composite score required to submit any scan request
// (spec §4.F, §3).
const MinScoreToScan = 0.5

// FakeOwnershipThreshold is the composite score below which a Failed
// attempt contributes a fake-ownership event to the abuse controller
// (spec §4.F).
const FakeOwnershipThreshold = 0.25

// DefaultValidityPeriod is how long a Verified record remains valid before
// reverting to Pending (spec §4.F).
const DefaultValidityPeriod = 180 * 24 * time.Hour

// metaTagTimeout bounds the meta-tag fetch (spec §4.F: "timeout 10s").
const metaTagTimeout = 10 * time.Second

// TXTLookup resolves DNS TXT records for a name. Swappable in tests so DNS
// lookups don't need a live resolver.
type TXTLookup func(ctx context.Context, name string) ([]string, error)

// Validator performs DNS-TXT and meta-tag ownership checks for one
// platform-prefixed verification scheme (e.g. prefix "scancore" produces
// "_scancore.<domain>" TXT records and "scancore-verification" meta tags).
type Validator struct {
	client         *http.Client
	lookupTXT      TXTLookup
	platformPrefix string
}

// NewValidator builds a Validator. client defaults to http.DefaultClient
// and lookupTXT defaults to net.DefaultResolver.LookupTXT when nil.
func NewValidator(client *http.Client, lookupTXT TXTLookup, platformPrefix string) *Validator {
	if client == nil {
		client = http.DefaultClient
	}
	if lookupTXT == nil {
		lookupTXT = net.DefaultResolver.LookupTXT
	}
	return &Validator{client: client, lookupTXT: lookupTXT, platformPrefix: platformPrefix}
}

// VerifyDNS resolves "_<platformPrefix>.<domain>" TXT records and reports
// whether any record exactly matches token (spec §4.F).
func (v *Validator) VerifyDNS(ctx context.Context, domain, token string) (bool, error) {
	name := fmt.Sprintf("_%s.%s", v.platformPrefix, domain)
	records, err := v.lookupTXT(ctx, name)
	if err != nil {
		return false, fmt.Errorf("looking up TXT records for %s: %w", name, err)
	}
	for _, r := range records {
		if strings.TrimSpace(r) == token {
			return true, nil
		}
	}
	return false, nil
}

// VerifyMetaTag fetches officialURL and looks for
// <meta name="<platformPrefix>-verification" content="<token>">, requiring
// an exact content match (spec §4.F).
func (v *Validator) VerifyMetaTag(ctx context.Context, officialURL, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, metaTagTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, officialURL, nil)
	if err != nil {
		return false, fmt.Errorf("building request for %s: %w", officialURL, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching %s: %w", officialURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetching %s: unexpected status %d", officialURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", officialURL, err)
	}

	tagName := v.platformPrefix + "-verification"
	found := false
	doc.Find(fmt.Sprintf(`meta[name="%s"]`, tagName)).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		content, ok := sel.Attr("content")
		if ok && strings.TrimSpace(content) == token {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// SocialMediaScore scores a social-media proof as proportional to the
// number of confirmed platform matches, capped at WeightSocialMedia. Two
// confirmed platforms (e.g. a bio-link profile plus a verified handle) is
// treated as full credit for this method.
func SocialMediaScore(confirmedMatches, requiredMatches int) float64 {
	if requiredMatches <= 0 {
		requiredMatches = 2
	}
	if confirmedMatches <= 0 {
		return 0
	}
	score := WeightSocialMedia * float64(confirmedMatches) / float64(requiredMatches)
	if score > WeightSocialMedia {
		score = WeightSocialMedia
	}
	return score
}

// CompositeScore returns the weighted max across every Verified method in
// validations (spec §4.F: "composite score is the weighted max of verified
// methods").
func CompositeScore(validations []store.OwnershipValidation) float64 {
	var best float64
	for _, val := range validations {
		if val.Status != store.OwnershipVerified {
			continue
		}
		if val.Score > best {
			best = val.Score
		}
	}
	return best
}

// HasRecentFailure reports whether any validation is Failed with a score
// below FakeOwnershipThreshold, the trigger for a fake-ownership abuse event
// (spec §4.F).
func HasRecentFailure(validations []store.OwnershipValidation) bool {
	for _, val := range validations {
		if val.Status == store.OwnershipFailed && val.Score < FakeOwnershipThreshold {
			return true
		}
	}
	return false
}

// Expired reports whether a Verified validation's ExpiresAt has passed, in
// which case it reverts to Pending (spec §4.F lifecycle).
func Expired(v store.OwnershipValidation, now time.Time) bool {
	return v.Status == store.OwnershipVerified && !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}
