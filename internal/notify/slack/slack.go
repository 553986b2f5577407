// Package slack posts operator notifications about unhealthy pipeline runs to
// a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/pipeline"
)

const (
	maxErrorLen = 1500
	httpTimeout = 10 * time.Second
)

// Notifier sends run summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Unhealthy reports whether a run deserves an operator notification: it was
// aborted, an incident failed, or a channel delivery was exhausted.
func Unhealthy(r *pipeline.RunReport) bool {
	return r.Status == pipeline.RunStatusAborted ||
		r.Failed > 0 ||
		r.Deliveries[delivery.OutcomeFailed] > 0
}

// RunComplete posts r when it is unhealthy. Failures are logged, never
// returned, so a broken webhook cannot affect the pipeline.
func (n *Notifier) RunComplete(ctx context.Context, r *pipeline.RunReport) {
	if !Unhealthy(r) {
		return
	}
	if err := n.Send(ctx, r); err != nil {
		n.logger.Error(ctx, err, "slack notification failed", "pipeline", r.Pipeline, "run_id", r.RunID)
	}
}

// Send posts a run report to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, r *pipeline.RunReport) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *pipeline.RunReport) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		fieldsBlock(r),
	}
	if r.Error != "" {
		blocks = append(blocks, errorBlock(r))
	}
	blocks = append(blocks, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *pipeline.RunReport) map[string]any {
	emoji := "\U0001f7e1" // yellow circle
	title := "Run degraded"
	if r.Status == pipeline.RunStatusAborted {
		emoji = "\U0001f534" // red circle
		title = "Run aborted"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", emoji, title, r.Pipeline),
		},
	}
}

func fieldsBlock(r *pipeline.RunReport) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Seen:* %d", r.Seen)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*New:* %d", r.New)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Skipped:* %d", r.Skipped)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:* %d", r.Failed)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:* %.1fs", r.Duration().Seconds())},
	}

	outcomes := make([]string, 0, len(r.Deliveries))
	for o := range r.Deliveries {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Deliveries %s:* %d", o, r.Deliveries[delivery.Outcome(o)]),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func errorBlock(r *pipeline.RunReport) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Error*\n```%s```", truncate(r.Error, maxErrorLen)),
		},
	}
}

func contextBlock(r *pipeline.RunReport) map[string]any {
	ts := r.FinishedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("spinwatch • run %s • %s", r.RunID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
