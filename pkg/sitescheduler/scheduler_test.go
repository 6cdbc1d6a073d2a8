package sitescheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

func site(host string, risk float64, lastChecked time.Time) store.KnownSite {
	return store.KnownSite{
		ID:              uuid.New(),
		BaseURL:         "https://" + host,
		CanonicalDomain: host,
		RiskScore:       risk,
		LastChecked:     lastChecked,
		PerHostCrawlDelay: 10 * time.Millisecond,
	}
}

func TestRun_VisitsAllSites(t *testing.T) {
	s := New(4, "test-agent", nil, false)
	s.Add(site("a.example", 0.9, time.Now().Add(-time.Hour)))
	s.Add(site("b.example", 0.5, time.Now().Add(-time.Hour)))
	s.Add(site("c.example", 0.1, time.Now().Add(-time.Hour)))

	var mu sync.Mutex
	visited := make(map[string]bool)

	err := s.Run(context.Background(), func(_ context.Context, site store.KnownSite) error {
		mu.Lock()
		visited[site.CanonicalDomain] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(visited) != 3 {
		t.Fatalf("expected 3 sites visited, got %d", len(visited))
	}
}

func TestRun_HigherRiskScoreVisitedFirst(t *testing.T) {
	s := New(1, "test-agent", nil, false) // single worker makes order observable
	s.Add(site("low.example", 0.1, time.Now()))
	s.Add(site("high.example", 0.9, time.Now()))

	var order []string
	var mu sync.Mutex

	err := s.Run(context.Background(), func(_ context.Context, site store.KnownSite) error {
		mu.Lock()
		order = append(order, site.CanonicalDomain)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "high.example" {
		t.Fatalf("expected high-risk site first, got %v", order)
	}
}

func TestRun_SameHostFetchesAreGated(t *testing.T) {
	s := New(4, "test-agent", nil, false)
	s.Add(site("same.example", 0.5, time.Now()))
	s.Add(site("same.example", 0.5, time.Now()))

	var mu sync.Mutex
	var timestamps []time.Time

	err := s.Run(context.Background(), func(_ context.Context, _ store.KnownSite) error {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(timestamps) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(timestamps))
	}
	gap := timestamps[1].Sub(timestamps[0])
	if gap < 0 {
		gap = -gap
	}
	if gap < 9*time.Millisecond {
		t.Fatalf("expected same-host dispatches separated by crawl delay, got gap=%v", gap)
	}
}
