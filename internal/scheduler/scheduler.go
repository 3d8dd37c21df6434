package scheduler

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/elonfeng/bulkfeed/pkg/alert"
	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

// Runner starts bulk runs. *bulk.Controller implements it.
type Runner interface {
	Run(ctx context.Context, sources []source.Source, win source.Window, onProgress bulk.ProgressFunc) (*bulk.Result, error)
}

// ResultSaver persists finished runs. store.Store implements it.
type ResultSaver interface {
	SaveResult(ctx context.Context, win source.Window, res *bulk.Result) error
}

// Options configures a Scheduler.
type Options struct {
	Runner   Runner
	Saver    ResultSaver // nil skips persistence
	Alerts   *alert.Manager
	Sources  []source.Source
	Interval time.Duration
	Lookback time.Duration
	// Window template; Start and End are filled in on every tick.
	Window source.Window
	Logger *log.Logger
	Now    func() time.Time
}

// Scheduler runs periodic rolling-window bulk loads.
type Scheduler struct {
	runner   Runner
	saver    ResultSaver
	alertMgr *alert.Manager
	sources  []source.Source
	interval time.Duration
	lookback time.Duration
	window   source.Window
	logger   *log.Logger
	now      func() time.Time
}

// New creates a new scheduler.
func New(opts Options) *Scheduler {
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	if opts.Lookback == 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.NewManager(nil)
	}
	return &Scheduler{
		runner:   opts.Runner,
		saver:    opts.Saver,
		alertMgr: opts.Alerts,
		sources:  opts.Sources,
		interval: opts.Interval,
		lookback: opts.Lookback,
		window:   opts.Window,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start.
	s.logger.Info("scheduler: initial load", "sources", len(s.sources))
	s.Tick(ctx)

	s.logger.Info("scheduler: running", "every", s.interval, "lookback", s.lookback)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one load over [now-lookback, now]. It returns nil when the tick
// was skipped.
func (s *Scheduler) Tick(ctx context.Context) *bulk.Result {
	end := s.now()
	win := s.window
	win.Start = end.Add(-s.lookback)
	win.End = end

	res, err := s.runner.Run(ctx, s.sources, win, nil)
	if errors.Is(err, bulk.ErrAlreadyRunning) {
		s.logger.Warn("scheduler: previous run still active, skipping tick")
		return nil
	}
	if err != nil {
		s.logger.Error("scheduler: run rejected", "err", err)
		return nil
	}

	p := res.Progress
	s.logger.Info("scheduler: run finished", "run", p.RunID, "status", p.Status,
		"items", p.ItemsLoaded, "sub_items", p.SubItemsLoaded, "failures", len(res.Failures))

	if s.saver != nil {
		// A cancelled ctx still persists what the run returned.
		if err := s.saver.SaveResult(context.WithoutCancel(ctx), win, res); err != nil {
			s.logger.Error("scheduler: save result", "run", p.RunID, "err", err)
		}
	}

	if s.alertMgr.HasNotifiers() {
		if err := s.alertMgr.Broadcast(ctx, alert.FromResult(win, res)); err != nil {
			s.logger.Error("scheduler: alert", "run", p.RunID, "err", err)
		}
	}
	return res
}
