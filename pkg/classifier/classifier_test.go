package classifier

import (
	"context"
	"testing"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

func profile() store.BrandProfile {
	return store.BrandProfile{
		SafeKeywords:      []string{"official partner"},
		ModerateKeywords:  []string{"fan club"},
		DangerousKeywords: []string{"counterfeit", "replica"},
	}
}

func TestKeywordMatch_Thresholds(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		wantIsViol  bool
		wantAmbig   bool
		wantRisk    store.RiskLevel
	}{
		{"clean", "welcome to our store", false, false, store.RiskLow},
		{"dangerous only", "buy counterfeit goods here", true, false, store.RiskHigh},
		{"dangerous with safe", "counterfeit disclaimer: official partner content", false, true, store.RiskMedium},
		{"moderate only", "join our fan club today", false, true, store.RiskMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := KeywordMatch(Input{Body: tc.body, Profile: profile()})
			if got.IsViolation != tc.wantIsViol {
				t.Errorf("IsViolation = %v, want %v", got.IsViolation, tc.wantIsViol)
			}
			if got.RiskLevel != tc.wantRisk {
				t.Errorf("RiskLevel = %v, want %v", got.RiskLevel, tc.wantRisk)
			}
			if IsAmbiguous(got) != tc.wantAmbig {
				t.Errorf("IsAmbiguous = %v, want %v", IsAmbiguous(got), tc.wantAmbig)
			}
		})
	}
}

type stubAI struct {
	result store.Classification
	calls  int
}

func (s *stubAI) Classify(_ context.Context, _ Input, _ store.Classification) (store.Classification, error) {
	s.calls++
	return s.result, nil
}

func TestPipeline_EscalatesOnlyWhenAmbiguous(t *testing.T) {
	ai := &stubAI{result: store.Classification{IsViolation: true, Confidence: 0.92, RiskLevel: store.RiskHigh}}
	p := New(ai)

	got, err := p.Classify(context.Background(), Input{Body: "buy counterfeit goods here", Profile: profile()})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ai.calls != 0 {
		t.Fatalf("expected no AI escalation for unambiguous keyword hit, got %d calls", ai.calls)
	}
	if !got.IsViolation || got.Method != store.DetectionKeywordMatch {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestPipeline_EscalatesAmbiguousResult(t *testing.T) {
	ai := &stubAI{result: store.Classification{IsViolation: true, Confidence: 0.92, RiskLevel: store.RiskHigh}}
	p := New(ai)

	got, err := p.Classify(context.Background(), Input{Body: "join our fan club today", Profile: profile()})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if ai.calls != 1 {
		t.Fatalf("expected exactly one AI escalation, got %d calls", ai.calls)
	}
	if got.Method != store.DetectionHybrid {
		t.Fatalf("expected hybrid method after escalation, got %v", got.Method)
	}
	if !got.IsViolation {
		t.Fatal("expected escalated AI verdict to carry through")
	}
}

func TestPipeline_NilAIReturnsKeywordResultUnescalated(t *testing.T) {
	p := New(nil)
	got, err := p.Classify(context.Background(), Input{Body: "join our fan club today", Profile: profile()})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Method != store.DetectionKeywordMatch {
		t.Fatalf("expected keyword result when no AI classifier configured, got %v", got.Method)
	}
}
