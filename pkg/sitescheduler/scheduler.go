package sitescheduler

import (
	"container/heap"
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/robots"
)

const gatePollInterval = 50 * time.Millisecond

// Handler processes one admitted site. A non-nil error is observational
// only (the scheduler does not retry); pkg/scanagent owns retry policy.
type Handler func(ctx context.Context, site store.KnownSite) error

// Scheduler is the two-level scheduler of spec §4.C: a bounded worker pool
// of size maxConcurrency, and a per-host gate that releases one token
// every site.crawlDelayMs. Robots policy is consulted once per host per
// session via the embedded robots.Cache.
type Scheduler struct {
	maxConcurrency int
	userAgent      string
	robotsCache    *robots.Cache
	respectRobots  bool

	mu          sync.Mutex
	heap        siteHeap
	nextAllowed map[string]time.Time
	delays      map[string]time.Duration
}

// New builds a Scheduler. robotsCache may be shared across schedulers; a
// nil cache disables robots consultation regardless of respectRobots.
func New(maxConcurrency int, userAgent string, robotsCache *robots.Cache, respectRobots bool) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{
		maxConcurrency: maxConcurrency,
		userAgent:      userAgent,
		robotsCache:    robotsCache,
		respectRobots:  respectRobots,
		nextAllowed:    make(map[string]time.Time),
		delays:         make(map[string]time.Duration),
	}
}

// UserAgent returns the identifying string this scheduler's session fetches
// with, for callers (the scan agent's fetcher) that need to set it on
// outbound requests.
func (s *Scheduler) UserAgent() string { return s.userAgent }

// Add enqueues a site for this session.
func (s *Scheduler) Add(site store.KnownSite) {
	host := hostOf(site)
	delay := site.PerHostCrawlDelay
	if delay <= 0 {
		delay = DefaultCrawlDelay
	}

	s.mu.Lock()
	s.delays[host] = delay
	heap.Push(&s.heap, &siteEntry{site: site, host: host})
	s.mu.Unlock()
}

// Run drains the queue, dispatching sites to handle across maxConcurrency
// workers while honoring per-host crawl delay gating. Blocks until every
// site has been dispatched and every worker has returned, or ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, handle Handler) error {
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for {
		entry, err := s.next(ctx)
		if err != nil {
			break
		}
		if entry == nil {
			break
		}

		if s.respectRobots && s.robotsCache != nil {
			if target, err := url.Parse(entry.site.BaseURL); err == nil && !s.robotsCache.Allowed(ctx, target, s.userAgent) {
				entry.site.BlockedByRobots = true
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(site store.KnownSite) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = handle(ctx, site)
		}(entry.site)
	}

	wg.Wait()
	return ctx.Err()
}

// next pops the highest-priority site whose host gate is currently open,
// sleeping until the earliest gate opens if none are. Returns nil, nil
// once the queue is drained.
func (s *Scheduler) next(ctx context.Context) (*siteEntry, error) {
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			return nil, nil
		}

		now := time.Now()
		entry := s.heap.popBest(func(host string) bool {
			return now.After(s.nextAllowed[host]) || now.Equal(s.nextAllowed[host])
		})
		if entry != nil {
			delay := s.delays[entry.host]
			s.nextAllowed[entry.host] = now.Add(delay)
			s.mu.Unlock()
			return entry, nil
		}

		earliest := s.earliestGateLocked()
		s.mu.Unlock()

		wait := time.Until(earliest)
		if wait <= 0 {
			wait = gatePollInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// earliestGateLocked returns the soonest nextAllowed time among hosts
// currently represented in the heap. Caller must hold s.mu.
func (s *Scheduler) earliestGateLocked() time.Time {
	var earliest time.Time
	for _, e := range s.heap.items {
		t := s.nextAllowed[e.host]
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return time.Now().Add(gatePollInterval)
	}
	return earliest
}
