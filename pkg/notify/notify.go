// Package notify sends best-effort operator notifications for events that
// don't belong in the tenant-facing API surface, such as a tenant tripping
// into the Blocked abuse state (spec §4.E admission hook).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operator-facing messages to a single Slack channel. It is
// a noop when no bot token is configured, the same posture as a disabled
// feature rather than a startup failure.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty the notifier silently
// no-ops on every call.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// TenantBlocked notifies operators that a tenant has transitioned to the
// Blocked abuse state (spec §4.E).
func (n *Notifier) TenantBlocked(ctx context.Context, tenantID string, score float64) error {
	text := fmt.Sprintf(":no_entry: tenant `%s` blocked by abuse control (score %.2f)", tenantID, score)
	return n.post(ctx, text)
}

// ExcessiveErrors notifies operators that a scan session was auto-failed
// for exceeding the error-rate threshold (spec §4.B).
func (n *Notifier) ExcessiveErrors(ctx context.Context, sessionID string, errorCount, sitesScanned int) error {
	text := fmt.Sprintf(":warning: scan session `%s` failed: %d errors across %d sites scanned", sessionID, errorCount, sitesScanned)
	return n.post(ctx, text)
}

func (n *Notifier) post(ctx context.Context, text string) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping notification", "text", text)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}
