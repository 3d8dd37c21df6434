package lookup

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	// ErrWorkerClosed is returned for requests made after Close.
	ErrWorkerClosed = errors.New("lookup worker closed")
	// ErrLoadInProgress is returned when a load is requested while another one runs.
	ErrLoadInProgress = errors.New("lookup index load already in progress")
)

type requestKind int

const (
	reqLoad requestKind = iota
	reqLoaded
	reqGet
	reqSearch
)

type request struct {
	id    string
	kind  requestKind
	key   string
	limit int

	// load
	ctx    context.Context
	reader io.Reader
	size   int64

	// loaded
	index *Index
	stats *IngestStats
	err   error
}

type response struct {
	id      string
	value   string
	found   bool
	entries []Entry
	stats   *IngestStats
	err     error
}

// LoadState describes the worker's index.
type LoadState struct {
	Loading  bool           `json:"loading"`
	Progress IngestProgress `json:"progress"`
	Entries  int            `json:"entries"`
	Last     *IngestStats   `json:"last,omitempty"`
	LastErr  string         `json:"last_error,omitempty"`
}

// Worker owns the current index on its own goroutine. Callers talk to it
// through request messages tagged with a correlation ID; a router hands
// each response to the caller waiting on that ID, so overlapping requests
// never depend on reply order.
type Worker struct {
	ingestor *Ingestor
	logger   *log.Logger

	requests  chan request
	responses chan response

	mu      sync.Mutex
	pending map[string]chan response

	state  atomic.Pointer[LoadState]
	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWorker starts a worker with an empty index.
func NewWorker(opts IngestOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	w := &Worker{
		ingestor:  NewIngestor(opts),
		logger:    opts.Logger,
		requests:  make(chan request),
		responses: make(chan response, 16),
		pending:   make(map[string]chan response),
		closed:    make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.state.Store(&LoadState{})

	w.wg.Add(2)
	go w.loop()
	go w.route()
	return w
}

// Close stops the worker. Pending and future requests fail with ErrWorkerClosed.
func (w *Worker) Close() {
	w.once.Do(func() {
		w.cancel()
		close(w.closed)
		w.wg.Wait()
	})
}

// Load ingests r into a fresh index and swaps it in when complete. The
// previous index keeps serving lookups until then; on failure it stays.
func (w *Worker) Load(ctx context.Context, r io.Reader, size int64) (*IngestStats, error) {
	resp, err := w.call(ctx, request{kind: reqLoad, ctx: ctx, reader: r, size: size})
	if err != nil {
		return nil, err
	}
	return resp.stats, resp.err
}

// Get looks key up in the current index.
func (w *Worker) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := w.call(ctx, request{kind: reqGet, key: key})
	if err != nil {
		return "", false, err
	}
	return resp.value, resp.found, nil
}

// Search runs a bounded substring search on the current index.
func (w *Worker) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	resp, err := w.call(ctx, request{kind: reqSearch, key: query, limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.entries, nil
}

// State returns the latest load state snapshot.
func (w *Worker) State() LoadState {
	return *w.state.Load()
}

func (w *Worker) call(ctx context.Context, req request) (response, error) {
	req.id = uuid.NewString()
	ch := make(chan response, 1)

	w.mu.Lock()
	w.pending[req.id] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, req.id)
		w.mu.Unlock()
	}()

	select {
	case w.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-w.closed:
		return response{}, ErrWorkerClosed
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-w.closed:
		return response{}, ErrWorkerClosed
	}
}

// loop is the only goroutine that reads or replaces the current index.
func (w *Worker) loop() {
	defer w.wg.Done()

	current := NewIndex()
	current.Freeze()
	loadID := ""

	for {
		var req request
		select {
		case <-w.closed:
			return
		case req = <-w.requests:
		}

		switch req.kind {
		case reqLoad:
			if loadID != "" {
				w.reply(response{id: req.id, err: ErrLoadInProgress})
				continue
			}
			loadID = req.id
			w.setState(func(s *LoadState) {
				s.Loading = true
				s.Progress = IngestProgress{Total: req.size}
			})
			w.wg.Add(1)
			go w.ingest(req)

		case reqLoaded:
			loadID = ""
			if req.err == nil {
				req.index.Freeze()
				current = req.index
			}
			entries := current.Len()
			w.setState(func(s *LoadState) {
				s.Loading = false
				s.Entries = entries
				s.Last = req.stats
				s.LastErr = ""
				if req.err != nil {
					s.LastErr = req.err.Error()
				}
			})
			w.reply(response{id: req.id, stats: req.stats, err: req.err})

		case reqGet:
			v, ok := current.Get(req.key)
			w.reply(response{id: req.id, value: v, found: ok})

		case reqSearch:
			w.reply(response{id: req.id, entries: current.Search(req.key, req.limit)})
		}
	}
}

// ingest builds a new index off the loop goroutine and reports back to it.
func (w *Worker) ingest(req request) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	idx := NewIndex()
	stats, err := w.ingestor.Ingest(ctx, req.reader, req.size, idx, func(p IngestProgress) {
		w.setState(func(s *LoadState) { s.Progress = p })
	})
	if err != nil {
		w.logger.Error("index load failed", "err", err)
	}

	select {
	case w.requests <- request{id: req.id, kind: reqLoaded, index: idx, stats: stats, err: err}:
	case <-w.closed:
	}
}

func (w *Worker) reply(resp response) {
	select {
	case w.responses <- resp:
	case <-w.closed:
	}
}

// route delivers responses to the caller registered under the same ID.
func (w *Worker) route() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			return
		case resp := <-w.responses:
			w.mu.Lock()
			ch, ok := w.pending[resp.id]
			w.mu.Unlock()
			if !ok {
				// Caller gave up (context cancelled); drop the reply.
				continue
			}
			ch <- resp
		}
	}
}

func (w *Worker) setState(fn func(*LoadState)) {
	for {
		old := w.state.Load()
		next := *old
		fn(&next)
		if w.state.CompareAndSwap(old, &next) {
			return
		}
	}
}
