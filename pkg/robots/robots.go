// Package robots implements the RFC 9309 subset the scan agent needs:
// fetching a target's robots.txt and testing whether a path is disallowed
// for a given user agent. No repository in the retrieval pack imports a
// robots.txt parser (see DESIGN.md standard-library justification), so this
// is implemented directly against net/http plus a small line-oriented
// parser.
package robots

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Policy is the parsed directive set for one user agent group.
type Policy struct {
	Allow      []string
	Disallow   []string
	CrawlDelay time.Duration
}

// Ruleset holds the per-agent policies parsed from one robots.txt document.
type Ruleset struct {
	groups map[string]Policy // lowercased user-agent -> policy
}

const wildcardAgent = "*"

// Parse reads a robots.txt document and returns its Ruleset.
func Parse(body string) Ruleset {
	rs := Ruleset{groups: make(map[string]Policy)}

	var currentAgents []string
	inAgentLines := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		field, value, ok := splitDirective(line)
		if !ok {
			continue
		}

		wasAgentLine := inAgentLines
		inAgentLines = strings.EqualFold(field, "user-agent")

		switch strings.ToLower(field) {
		case "user-agent":
			agent := strings.ToLower(strings.TrimSpace(value))
			// A new User-agent block that follows a non-empty directive
			// block starts a fresh group; consecutive User-agent lines
			// accumulate into the same group.
			if !wasAgentLine {
				currentAgents = nil
			}
			if _, exists := rs.groups[agent]; !exists {
				rs.groups[agent] = Policy{}
			}
			currentAgents = append(currentAgents, agent)
		case "disallow":
			if value == "" {
				continue
			}
			applyToCurrent(rs.groups, currentAgents, func(p *Policy) { p.Disallow = append(p.Disallow, value) })
		case "allow":
			if value == "" {
				continue
			}
			applyToCurrent(rs.groups, currentAgents, func(p *Policy) { p.Allow = append(p.Allow, value) })
		case "crawl-delay":
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			d := time.Duration(secs * float64(time.Second))
			applyToCurrent(rs.groups, currentAgents, func(p *Policy) { p.CrawlDelay = d })
		default:
			// Sitemap and other directives are not needed by the scan
			// agent pipeline (spec §4.B step 2).
			currentAgents = nil
		}
	}

	return rs
}

func applyToCurrent(groups map[string]Policy, agents []string, mutate func(*Policy)) {
	if len(agents) == 0 {
		agents = []string{wildcardAgent}
		if _, ok := groups[wildcardAgent]; !ok {
			groups[wildcardAgent] = Policy{}
		}
	}
	for _, a := range agents {
		p := groups[a]
		mutate(&p)
		groups[a] = p
	}
}

func splitDirective(line string) (field, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx >= 0 {
		return line[:idx]
	}
	return line
}

// policyFor returns the most specific group for userAgent, falling back to "*".
func (rs Ruleset) policyFor(userAgent string) (Policy, bool) {
	ua := strings.ToLower(userAgent)
	if p, ok := rs.groups[ua]; ok {
		return p, true
	}
	p, ok := rs.groups[wildcardAgent]
	return p, ok
}

// Allowed reports whether path is permitted for userAgent under this
// ruleset. The longest matching Disallow/Allow rule wins, the conventional
// resolution for overlapping rules; ties favor Allow.
func (rs Ruleset) Allowed(userAgent, path string) bool {
	policy, ok := rs.policyFor(userAgent)
	if !ok {
		return true
	}

	bestLen := -1
	allowed := true

	check := func(rules []string, result bool) {
		for _, rule := range rules {
			if rule == "" {
				continue
			}
			if strings.HasPrefix(path, rule) && (len(rule) > bestLen || (result && len(rule) == bestLen)) {
				bestLen = len(rule)
				allowed = result
			}
		}
	}

	check(policy.Disallow, false)
	check(policy.Allow, true)

	return allowed
}

// CrawlDelay returns the declared crawl delay for userAgent, or zero if none.
func (rs Ruleset) CrawlDelay(userAgent string) time.Duration {
	policy, ok := rs.policyFor(userAgent)
	if !ok {
		return 0
	}
	return policy.CrawlDelay
}

// Cache fetches and memoizes robots.txt rulesets per host, consulted once
// per host per session (spec §4.C).
type Cache struct {
	client *http.Client
	mu     sync.Mutex
	byHost map[string]Ruleset
}

// NewCache builds a robots.txt cache using client for fetches.
func NewCache(client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{client: client, byHost: make(map[string]Ruleset)}
}

// Allowed fetches (and caches) robots.txt for target's host, then reports
// whether target's path is allowed for userAgent. Fetch failures fail open
// (allowed=true), matching the teacher's "transient I/O degrades, does not
// block" posture (spec §7 Transient I/O).
func (c *Cache) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	rs, err := c.rulesetFor(ctx, target)
	if err != nil {
		return true
	}
	return rs.Allowed(userAgent, target.Path)
}

func (c *Cache) rulesetFor(ctx context.Context, target *url.URL) (Ruleset, error) {
	host := target.Host

	c.mu.Lock()
	if rs, ok := c.byHost[host]; ok {
		c.mu.Unlock()
		return rs, nil
	}
	c.mu.Unlock()

	robotsURL := &url.URL{Scheme: target.Scheme, Host: host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return Ruleset{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Ruleset{}, err
	}
	defer resp.Body.Close()

	var rs Ruleset
	if resp.StatusCode == http.StatusOK {
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, io.LimitReader(resp.Body, 1<<20)); err != nil {
			return Ruleset{}, err
		}
		rs = Parse(buf.String())
	} else {
		// No robots.txt or an error status: treat as "allow everything",
		// the conventional RFC 9309 fallback.
		rs = Ruleset{groups: map[string]Policy{}}
	}

	c.mu.Lock()
	c.byHost[host] = rs
	c.mu.Unlock()

	return rs, nil
}
