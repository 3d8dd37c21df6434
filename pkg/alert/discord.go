package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/bulkfeed/pkg/bulk"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func statusColor(s bulk.Status) int {
	switch s {
	case bulk.StatusError:
		return 0xD93F0B
	case bulk.StatusPaused:
		return 0xFBCA04
	default:
		return 0x2EA44F
	}
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	desc := fmt.Sprintf("**Status:** %s | **Run:** `%s`\n\n%s", n.Status, n.RunID, n.Body)
	if lines := n.FailureLines(); len(lines) > 0 {
		desc += "\n\n**Failed sources**\n• " + strings.Join(lines, "\n• ")
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": desc,
		"color":       statusColor(n.Status),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}

	return nil
}
