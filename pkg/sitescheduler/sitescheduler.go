// Package sitescheduler implements the intra-session scheduler of spec
// §4.C: a bounded worker pool gated per host by crawl delay, visiting
// higher-risk sites first.
package sitescheduler

import (
	"container/heap"
	"net/url"
	"time"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// siteEntry is a Known Site queued for this session, carrying its parsed
// host for gate lookups.
type siteEntry struct {
	site  store.KnownSite
	host  string
	index int // managed by container/heap
}

// siteHeap orders entries by descending riskScore, breaking ties by oldest
// lastChecked (spec §4.C: "sites with higher historical riskScore first
// (max-heap), breaking ties by oldest lastChecked"). Grounded on the same
// container/heap shape pkg/queue uses for its waiter priority heap.
type siteHeap struct {
	items []*siteEntry
}

func (h siteHeap) Len() int { return len(h.items) }

func (h siteHeap) Less(i, j int) bool {
	a, b := h.items[i].site, h.items[j].site
	if a.RiskScore != b.RiskScore {
		return a.RiskScore > b.RiskScore
	}
	return a.LastChecked.Before(b.LastChecked)
}

func (h siteHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *siteHeap) Push(x interface{}) {
	e := x.(*siteEntry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *siteHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}

// popBest pops and returns the highest-priority entry whose host gate is
// currently open (per accept), leaving every other entry in place. Returns
// nil if none is currently eligible.
func (h *siteHeap) popBest(accept func(host string) bool) *siteEntry {
	var skipped []*siteEntry
	var picked *siteEntry
	for h.Len() > 0 {
		e := heap.Pop(h).(*siteEntry)
		if accept(e.host) {
			picked = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(h, e)
	}
	return picked
}

func hostOf(site store.KnownSite) string {
	u, err := url.Parse(site.BaseURL)
	if err != nil || u.Host == "" {
		return site.BaseURL
	}
	return u.Host
}

// DefaultCrawlDelay is used when a Known Site carries no explicit
// per-host crawl delay.
const DefaultCrawlDelay = 2 * time.Second

// KnownSiteRiskEWMAAlpha is the smoothing constant for the exponentially
// weighted moving average applied to a Known Site's riskScore on every
// scan (spec §4.B step 6). Weighs the newest observation at 30%.
const KnownSiteRiskEWMAAlpha = 0.3

// UpdateRiskScore folds observation (1.0 for a detected violation, 0.0 for
// a clean site) into the site's existing riskScore via EWMA.
func UpdateRiskScore(current, observation float64) float64 {
	return KnownSiteRiskEWMAAlpha*observation + (1-KnownSiteRiskEWMAAlpha)*current
}
