// Package slack delivers job finish notifications to a chat webhook using
// the block-kit message shape.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/OADA/jobs/internal/observability/notify"
)

// Slack rejects section text beyond 3000 characters; leave room for the
// code fence.
const maxSnippetLen = 2800

// Config captures the subset of webhook behaviour we need.
type Config struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client delivers job finish notifications to a chat webhook.
type Client struct {
	webhookURL string
	username   string
	retryLimit int
	client     *http.Client
}

// NewClient builds a webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL: webhookURL,
		username:   fallbackString(strings.TrimSpace(cfg.Username), "oada-jobs"),
		retryLimit: retries,
		client:     hc,
	}, nil
}

// SendJobFinished posts a formatted message to the webhook.
func (c *Client) SendJobFinished(ctx context.Context, payload notify.JobFinishedPayload) error {
	msg := c.formatMessage(payload)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			// Simple linear backoff to avoid thundering retries.
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

// formatMessage renders the blocks-and-attachments shape: a header section
// naming the job, with the finalized job document attached as a code
// snippet.
func (c *Client) formatMessage(payload notify.JobFinishedPayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	header := strings.Builder{}
	header.WriteString(fmt.Sprintf("*%s* job finished with status *%s*",
		escapeText(payload.Service), escapeText(payload.Status)))
	if payload.JobID != "" {
		header.WriteString(" `")
		header.WriteString(payload.JobID)
		header.WriteByte('`')
	}
	if payload.JobType != "" {
		header.WriteString(" (")
		header.WriteString(escapeText(payload.JobType))
		header.WriteByte(')')
	}
	header.WriteByte('\n')
	if payload.Path != "" {
		header.WriteString("• Filed at: ")
		header.WriteString(payload.Path)
		header.WriteByte('\n')
	}
	header.WriteString("• Timestamp: ")
	header.WriteString(timestamp.UTC().Format(time.RFC3339))

	return map[string]any{
		"username": c.username,
		"blocks": []any{
			section(header.String()),
		},
		"attachments": []any{
			map[string]any{
				"blocks": []any{
					section("```" + jobSnippet(payload.Job) + "```"),
				},
			},
		},
	}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

// jobSnippet renders the job document for the attachment, truncated to fit
// the message limits.
func jobSnippet(job map[string]any) string {
	if len(job) == 0 {
		return "{}"
	}
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", job)
	}
	s := string(raw)
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen] + "\n..."
	}
	return s
}

func escapeText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handleErrorResponse(resp)
	}

	return drainSuccess(resp)
}

func drainSuccess(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain webhook response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain webhook response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func handleErrorResponse(resp *http.Response) error {
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read webhook error response: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read webhook error response: %w", readErr)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return fmt.Errorf("webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
}
