package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/elonfeng/bulkfeed/pkg/source"
)

// DefaultSourceDelay is the pause between two sources of the same run.
const DefaultSourceDelay = 1 * time.Second

// ErrAlreadyRunning is returned when a run is requested while another run is
// in flight on the same controller.
var ErrAlreadyRunning = errors.New("bulk load already running")

// Options configures a Controller.
type Options struct {
	WalkerOptions
	SourceDelay time.Duration // negative disables the pause
}

// Result aggregates one run. It is owned by the caller once returned.
type Result struct {
	Items    []source.Item    `json:"items"`
	SubItems []source.SubItem `json:"sub_items"`
	Progress Progress         `json:"progress"`
	// Failures maps a source ID to the failure that ended its walk early.
	Failures map[string]string `json:"failures,omitempty"`
	// Interrupted names the source whose walk was cut short by a stop
	// request. Its partial items are not part of Items.
	Interrupted string `json:"interrupted,omitempty"`
}

// Controller runs bulk loads over a list of sources, one run at a time.
type Controller struct {
	walker      *Walker
	sourceDelay time.Duration
	logger      *log.Logger

	running  atomic.Bool
	stopReq  atomic.Bool
	progress atomic.Pointer[Progress]
	last     atomic.Pointer[Result]
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	delay := opts.SourceDelay
	if delay == 0 {
		delay = DefaultSourceDelay
	}
	return &Controller{
		walker:      NewWalker(opts.WalkerOptions),
		sourceDelay: delay,
		logger:      opts.Logger,
	}
}

// Run loads every source in order and blocks until the run ends. A stopped
// run returns the items of the sources that completed, with status paused.
func (c *Controller) Run(ctx context.Context, sources []source.Source, win source.Window, onProgress ProgressFunc) (*Result, error) {
	if err := c.acquire(win); err != nil {
		return nil, err
	}
	defer c.running.Store(false)

	return c.run(ctx, sources, win, onProgress), nil
}

// Start begins a run in the background. ctx bounds the whole run, so it
// should not be a request-scoped context.
func (c *Controller) Start(ctx context.Context, sources []source.Source, win source.Window, onProgress ProgressFunc) (*Subscription, error) {
	if err := c.acquire(win); err != nil {
		return nil, err
	}

	sub := newSubscription(c)
	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer c.running.Store(false)

		sub.result = c.run(ctx, sources, win, func(p Progress) {
			sub.push(p)
			if onProgress != nil {
				onProgress(p)
			}
		})
	}()
	return sub, nil
}

// Stop asks the running load to pause at the next batch or source boundary.
// It reports whether a run was in flight.
func (c *Controller) Stop() bool {
	if !c.running.Load() {
		return false
	}
	c.stopReq.Store(true)
	return true
}

// Running reports whether a run is in flight.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Progress returns the latest snapshot.
func (c *Controller) Progress() Progress {
	if p := c.progress.Load(); p != nil {
		return *p
	}
	return Progress{Status: StatusIdle}
}

// LastResult returns the result of the most recent finished run, or nil.
func (c *Controller) LastResult() *Result {
	return c.last.Load()
}

func (c *Controller) acquire(win source.Window) error {
	if err := win.Validate(); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.stopReq.Store(false)
	return nil
}

func (c *Controller) stopped(ctx context.Context) bool {
	return c.stopReq.Load() || ctx.Err() != nil
}

func (c *Controller) run(ctx context.Context, sources []source.Source, win source.Window, onProgress ProgressFunc) *Result {
	sources = slices.Clone(sources)
	res := &Result{Failures: make(map[string]string)}

	p := Progress{
		RunID:                uuid.NewString(),
		Status:               StatusLoading,
		TotalBatchesEstimate: win.MaxBatches() * len(sources),
	}
	logger := c.logger.With("run", p.RunID)
	publish := func() {
		snap := p
		c.progress.Store(&snap)
		if onProgress != nil {
			onProgress(snap)
		}
	}
	publish()

	logger.Info("bulk load started", "sources", len(sources),
		"start", win.Start.Format(time.RFC3339), "end", win.End.Format(time.RFC3339),
		"max_items", win.MaxItems, "batch_size", win.BatchSize)

	paused := false
	for i, src := range sources {
		if c.stopped(ctx) {
			paused = true
			break
		}
		if i > 0 && c.sourceDelay > 0 {
			if err := sleep(ctx, c.sourceDelay, func() bool { return c.stopped(ctx) }); err != nil || c.stopped(ctx) {
				paused = true
				break
			}
		}

		remaining := win.MaxItems - len(res.Items)
		if remaining <= 0 {
			break
		}

		p.CurrentSourceName = src.Name()
		publish()
		before := p

		wr := c.walker.Walk(ctx, src, win, WalkOptions{
			Limit:   remaining,
			Stopped: func() bool { return c.stopped(ctx) },
			OnBatch: func(items []source.Item, subs []source.SubItem) {
				p.CurrentBatch++
				p.ItemsLoaded += len(items)
				p.SubItemsLoaded += len(subs)
				if p.CurrentBatch > p.TotalBatchesEstimate {
					p.TotalBatchesEstimate = p.CurrentBatch
				}
				publish()
			},
		})

		if wr.Stopped {
			// Drop the truncated source so the result only holds complete walks.
			p.ItemsLoaded = before.ItemsLoaded
			p.SubItemsLoaded = before.SubItemsLoaded
			res.Interrupted = src.Name()
			logger.Info("bulk load stopped mid-source", "source", src.Name(), "discarded", len(wr.Items))
			paused = true
			break
		}

		res.Items = append(res.Items, wr.Items...)
		res.SubItems = append(res.SubItems, wr.SubItems...)
		if wr.Err != nil {
			res.Failures[src.ID] = wr.Err.Error()
			logger.Warn("source failed", "source", src.Name(), "err", wr.Err)
		} else {
			logger.Info("source loaded", "source", src.Name(), "items", len(wr.Items),
				"sub_items", len(wr.SubItems), "batches", wr.Batches)
		}

		// Narrow the estimate now that this source's batch count is known.
		left := len(sources) - i - 1
		p.TotalBatchesEstimate = p.CurrentBatch + source.BatchesFor(win.MaxItems-len(res.Items), win.BatchSize)*left
		publish()
	}

	switch {
	case paused:
		p.Status = StatusPaused
	case len(sources) > 0 && len(res.Failures) == len(sources) && len(res.Items) == 0:
		p.Status = StatusError
		p.ErrorDetail = failureDetail(sources, res.Failures)
	default:
		p.Status = StatusCompleted
	}
	if !paused {
		p.CurrentSourceName = ""
	}
	res.Progress = p
	c.last.Store(res)
	publish()

	logger.Info("bulk load finished", "status", p.Status, "items", len(res.Items),
		"sub_items", len(res.SubItems), "failures", len(res.Failures))
	return res
}

func failureDetail(sources []source.Source, failures map[string]string) string {
	parts := make([]string, 0, len(failures))
	for _, src := range sources {
		if msg, ok := failures[src.ID]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", src.Name(), msg))
		}
	}
	return "all sources failed: " + strings.Join(parts, "; ")
}
