package alert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	RunID       string            `json:"run_id"`
	Status      bulk.Status       `json:"status"`
	Items       int               `json:"items"`
	SubItems    int               `json:"sub_items"`
	Failures    map[string]string `json:"failures,omitempty"`
	Interrupted string            `json:"interrupted,omitempty"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
}

// FromResult summarizes a finished run.
func FromResult(win source.Window, res *bulk.Result) *Notification {
	p := res.Progress
	n := &Notification{
		RunID:       p.RunID,
		Status:      p.Status,
		Items:       p.ItemsLoaded,
		SubItems:    p.SubItemsLoaded,
		Failures:    res.Failures,
		Interrupted: res.Interrupted,
		WindowStart: win.Start,
		WindowEnd:   win.End,
	}

	switch p.Status {
	case bulk.StatusError:
		n.Title = "Bulk load failed"
	case bulk.StatusPaused:
		n.Title = "Bulk load stopped"
	default:
		n.Title = "Bulk load completed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s posts, %s comments from %s to %s",
		humanize.Comma(int64(n.Items)), humanize.Comma(int64(n.SubItems)),
		win.Start.UTC().Format(time.DateTime), win.End.UTC().Format(time.DateTime))
	if n.Interrupted != "" {
		fmt.Fprintf(&b, "\nInterrupted during %s", n.Interrupted)
	}
	if p.ErrorDetail != "" {
		fmt.Fprintf(&b, "\n%s", p.ErrorDetail)
	}
	n.Body = b.String()
	return n
}

// FailureLines returns "source: reason" lines sorted by source.
func (n *Notification) FailureLines() []string {
	lines := make([]string, 0, len(n.Failures))
	for id, reason := range n.Failures {
		lines = append(lines, fmt.Sprintf("%s: %s", id, reason))
	}
	slices.Sort(lines)
	return lines
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
