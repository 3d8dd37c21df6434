package bulk

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/elonfeng/bulkfeed/pkg/graph"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

// Default pacing values.
const (
	DefaultRequestInterval  = 500 * time.Millisecond
	DefaultRateLimitBackoff = 30 * time.Second
	DefaultTransientBackoff = 2 * time.Second
	DefaultMaxBackoff       = 60 * time.Second
	DefaultMaxRetries       = 3
)

// stopPollInterval is how often a backoff or source delay checks for a stop request.
const stopPollInterval = 50 * time.Millisecond

var errStopped = errors.New("walk stopped")

// WalkerOptions configures a Walker.
type WalkerOptions struct {
	Fetcher          graph.Fetcher
	Fields           []string
	RequestInterval  time.Duration // steady-state spacing between requests
	RateLimitBackoff time.Duration // wait after RateLimited, should exceed RequestInterval
	TransientBackoff time.Duration // initial wait after Transient, doubled per retry
	MaxBackoff       time.Duration
	MaxRetries       int // retries per batch; negative disables retries
	Logger           *log.Logger
}

// Walker pages through one source at a time.
type Walker struct {
	fetcher          graph.Fetcher
	fields           []string
	limiter          *rate.Limiter
	rateLimitBackoff time.Duration
	transientBackoff time.Duration
	maxBackoff       time.Duration
	maxRetries       int
	logger           *log.Logger
}

// NewWalker creates a walker, filling zero-valued options with defaults.
func NewWalker(opts WalkerOptions) *Walker {
	interval := opts.RequestInterval
	if interval == 0 {
		interval = DefaultRequestInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	w := &Walker{
		fetcher:          opts.Fetcher,
		fields:           opts.Fields,
		limiter:          rate.NewLimiter(limit, 1),
		rateLimitBackoff: opts.RateLimitBackoff,
		transientBackoff: opts.TransientBackoff,
		maxBackoff:       opts.MaxBackoff,
		maxRetries:       opts.MaxRetries,
		logger:           opts.Logger,
	}
	if w.rateLimitBackoff == 0 {
		w.rateLimitBackoff = DefaultRateLimitBackoff
	}
	if w.transientBackoff == 0 {
		w.transientBackoff = DefaultTransientBackoff
	}
	if w.maxBackoff == 0 {
		w.maxBackoff = DefaultMaxBackoff
	}
	if w.maxRetries == 0 {
		w.maxRetries = DefaultMaxRetries
	}
	if w.logger == nil {
		w.logger = log.New(io.Discard)
	}
	return w
}

// WalkOptions are the per-call parameters of Walk.
type WalkOptions struct {
	// Limit caps the items returned. Zero fetches nothing.
	Limit int
	// Stopped is polled before every batch and after every backoff.
	Stopped func() bool
	// OnBatch is called after each successful batch with the kept items.
	OnBatch func(items []source.Item, subs []source.SubItem)
}

// WalkResult is what one source contributed.
type WalkResult struct {
	Items    []source.Item
	SubItems []source.SubItem
	Batches  int
	// Stopped is set when the walk ended on a stop request or context
	// cancellation; Items then hold a truncated result.
	Stopped bool
	// Err is the failure that ended the walk early, if any. Items hold
	// everything accumulated before it.
	Err error
}

// Walk fetches pages for src until the cursor runs out, the limit is
// reached, ceil(limit/BatchSize) batches were made, or a stop is requested.
func (w *Walker) Walk(ctx context.Context, src source.Source, win source.Window, opts WalkOptions) WalkResult {
	var res WalkResult

	stopped := func() bool {
		return ctx.Err() != nil || (opts.Stopped != nil && opts.Stopped())
	}

	maxBatches := source.BatchesFor(opts.Limit, win.BatchSize)
	cursor := ""

	for res.Batches < maxBatches {
		if stopped() {
			res.Stopped = true
			return res
		}

		req := graph.Request{
			Source:          src,
			Fields:          w.fields,
			Limit:           win.BatchSize,
			Since:           win.Start,
			Until:           win.End,
			After:           cursor,
			IncludeComments: win.IncludeComments,
		}

		page, err := w.fetchWithRetry(ctx, req, stopped)
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				res.Stopped = true
				return res
			}
			w.logger.Warn("source walk ended early",
				"source", src.Name(), "batch", res.Batches+1, "kind", graph.KindOf(err), "err", err)
			res.Err = err
			return res
		}
		res.Batches++

		kept := source.FilterWindow(page.Items, win)
		if room := opts.Limit - len(res.Items); len(kept) > room {
			kept = kept[:room]
		}

		var subs []source.SubItem
		if win.IncludeComments {
			subs = source.FlattenComments(kept, src.Name())
		} else {
			for i := range kept {
				kept[i].Comments = nil
			}
		}

		res.Items = append(res.Items, kept...)
		res.SubItems = append(res.SubItems, subs...)
		if opts.OnBatch != nil {
			opts.OnBatch(kept, subs)
		}

		w.logger.Debug("batch fetched", "source", src.Name(), "batch", res.Batches,
			"page_items", len(page.Items), "kept", len(kept), "total", len(res.Items))

		if page.NextCursor == "" || len(res.Items) >= opts.Limit {
			break
		}
		cursor = page.NextCursor
	}

	return res
}

// fetchWithRetry fetches one page, retrying the same request on RateLimited
// and Transient failures up to maxRetries times.
func (w *Walker) fetchWithRetry(ctx context.Context, req graph.Request, stopped func() bool) (*graph.Page, error) {
	delay := w.transientBackoff

	for attempt := 0; ; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := w.fetcher.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		if !graph.IsRetryable(err) || attempt >= w.maxRetries || ctx.Err() != nil {
			return nil, err
		}

		wait := delay
		if graph.KindOf(err) == graph.RateLimited {
			wait = w.rateLimitBackoff
		} else {
			delay *= 2
			if delay > w.maxBackoff {
				delay = w.maxBackoff
			}
		}

		w.logger.Warn("retrying page", "source", req.Source.Name(),
			"attempt", attempt+1, "wait", wait, "kind", graph.KindOf(err))

		if err := sleep(ctx, wait, stopped); err != nil {
			return nil, err
		}
		if stopped() {
			return nil, errStopped
		}
	}
}

// sleep waits for d. It returns early with ctx.Err() on cancellation, or
// with errStopped as soon as stopped reports true.
func sleep(ctx context.Context, d time.Duration, stopped func() bool) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	poll := time.NewTicker(min(d, stopPollInterval))
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case <-poll.C:
			if stopped != nil && stopped() {
				return errStopped
			}
		}
	}
}
