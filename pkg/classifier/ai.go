package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// verdict is the shape an AI classification response is parsed into. The
// model is instructed to answer with exactly this JSON object.
type verdict struct {
	IsViolation bool    `json:"is_violation"`
	Confidence  float64 `json:"confidence"`
	RiskLevel   string  `json:"risk_level"`
	Reason      string  `json:"reason"`
}

// AnthropicClassifier resolves keyword-match ambiguity with a single
// chat-completion call, per spec §4.B step 5.
type AnthropicClassifier struct {
	client *anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// NewAnthropicClassifier builds an AnthropicClassifier. An empty apiKey
// returns nil; a Pipeline built with New(nil) then returns the keyword-match
// result unescalated rather than erroring, the same degrade-gracefully
// posture pkg/notify takes for a missing Slack token.
func NewAnthropicClassifier(apiKey string, model anthropic.Model, logger *slog.Logger) *AnthropicClassifier {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClassifier{client: &client, model: model, logger: logger}
}

// Classify asks the model whether in.Body constitutes a violation of
// in.Profile, given that the keyword pass was ambiguous.
func (a *AnthropicClassifier) Classify(ctx context.Context, in Input, keywordResult store.Classification) (store.Classification, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(in))),
		},
	})
	if err != nil {
		return store.Classification{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	v, err := parseVerdict(msg)
	if err != nil {
		a.logger.Warn("ai classifier returned unparseable response, falling back to keyword result", "error", err)
		return keywordResult, nil
	}

	return store.Classification{
		RiskLevel:   riskLevelFrom(v.RiskLevel),
		Confidence:  v.Confidence,
		IsViolation: v.IsViolation,
	}, nil
}

const systemPrompt = `You review web page content for brand-impersonation and DMCA copyright risk.
Respond with a single JSON object and nothing else, of the exact shape:
{"is_violation": bool, "confidence": number between 0 and 1, "risk_level": "low"|"medium"|"high"|"critical", "reason": short string}`

func userPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Brand: %s\nURL: %s\n", in.Profile.ID, in.URL)
	fmt.Fprintf(&b, "Dangerous keywords: %v\nSafe keywords: %v\n", in.Profile.DangerousKeywords, in.Profile.SafeKeywords)
	fmt.Fprintf(&b, "Page content (truncated):\n%s", truncate(in.Body, 4000))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseVerdict(msg *anthropic.Message) (verdict, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	raw := strings.TrimSpace(text.String())
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return verdict{}, fmt.Errorf("no JSON object in response")
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return verdict{}, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return v, nil
}

func riskLevelFrom(s string) store.RiskLevel {
	switch store.RiskLevel(s) {
	case store.RiskLow, store.RiskMedium, store.RiskHigh, store.RiskCritical:
		return store.RiskLevel(s)
	default:
		return store.RiskMedium
	}
}
