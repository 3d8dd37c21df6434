package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers set on every webhook delivery.
const (
	HeaderSignature = "X-Signature-256"
	HeaderEvent     = "X-Bulkfeed-Event"
	HeaderRun       = "X-Bulkfeed-Run"
	HeaderDelivery  = "X-Bulkfeed-Delivery"
)

// Delivery is the JSON body posted to a generic webhook.
type Delivery struct {
	ID     string        `json:"id"`
	Event  string        `json:"event"`
	SentAt time.Time     `json:"sent_at"`
	Run    *Notification `json:"run"`
}

// EventName returns the event a run summary is delivered as, e.g. "run.completed".
func EventName(n *Notification) string {
	return "run." + string(n.Status)
}

// Sign returns the X-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a X-Signature-256 value against body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Webhook sends run summaries to a generic HTTP endpoint.
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

// NewWebhook creates a new generic webhook notifier. With a secret set,
// each body is signed with HMAC-SHA256.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	d := Delivery{
		ID:     uuid.NewString(),
		Event:  EventName(n),
		SentAt: w.now().UTC(),
		Run:    n,
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bulkfeed/1.0")
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderRun, n.RunID)
	req.Header.Set(HeaderDelivery, d.ID)
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook %s: %w", d.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook delivery %s for run %s: status %d: %s",
			d.ID, n.RunID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
