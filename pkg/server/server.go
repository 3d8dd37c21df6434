package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/elonfeng/bulkfeed/internal/store"
	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/lookup"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

// ContactStore is the user-scoped contact persistence used by confirm.
type ContactStore interface {
	lookup.ContactStore
	PutContacts(ctx context.Context, userID string, entries []lookup.Entry) (int, error)
}

// Options configures a Server.
type Options struct {
	Controller *bulk.Controller
	Store      store.Store // nil disables persistence and the item endpoints
	Contacts   ContactStore
	Worker     *lookup.Worker
	Resolver   *lookup.Resolver
	Cache      *lookup.Cache
	Sources    []source.Source
	// Window supplies MaxItems, BatchSize and IncludeComments when a start
	// request leaves them out.
	Window      source.Window
	Lookback    time.Duration
	SearchLimit int
	Port        int
	Logger      *log.Logger
}

// Server provides the HTTP API.
type Server struct {
	opts   Options
	logger *log.Logger
	runCtx context.Context
}

// New creates a new HTTP server.
func New(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.Lookback == 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = lookup.DefaultSearchLimit
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Server{opts: opts, logger: opts.Logger, runCtx: context.Background()}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/bulk/start", s.handleBulkStart)
	mux.HandleFunc("/api/v1/bulk/stop", s.handleBulkStop)
	mux.HandleFunc("/api/v1/bulk/progress", s.handleBulkProgress)
	mux.HandleFunc("/api/v1/bulk/result", s.handleBulkResult)
	mux.HandleFunc("/api/v1/index", s.handleIndex)
	mux.HandleFunc("/api/v1/index/search", s.handleIndexSearch)
	mux.HandleFunc("/api/v1/resolve", s.handleResolve)
	mux.HandleFunc("/api/v1/resolve/confirm", s.handleConfirm)
	mux.HandleFunc("/api/v1/items", s.handleItems)
	mux.HandleFunc("/api/v1/sources", s.handleSources)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	return mux
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
// Runs started over the API live as long as ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.runCtx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bulkfeed server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	MaxItems        *int      `json:"max_items"`
	BatchSize       *int      `json:"batch_size"`
	IncludeComments *bool     `json:"include_comments"`
	Sources         []string  `json:"sources"`
}

func (s *Server) window(req startRequest) source.Window {
	win := s.opts.Window
	win.End = req.End
	if win.End.IsZero() {
		win.End = time.Now()
	}
	win.Start = req.Start
	if win.Start.IsZero() {
		win.Start = win.End.Add(-s.opts.Lookback)
	}
	if req.MaxItems != nil {
		win.MaxItems = *req.MaxItems
	}
	if req.BatchSize != nil {
		win.BatchSize = *req.BatchSize
	}
	if req.IncludeComments != nil {
		win.IncludeComments = *req.IncludeComments
	}
	return win
}

func (s *Server) selectSources(ids []string) ([]source.Source, error) {
	if len(ids) == 0 {
		return s.opts.Sources, nil
	}
	byID := make(map[string]source.Source, len(s.opts.Sources))
	for _, src := range s.opts.Sources {
		byID[src.ID] = src
	}
	out := make([]source.Source, 0, len(ids))
	for _, id := range ids {
		src, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		out = append(out, src)
	}
	return out, nil
}

func (s *Server) handleBulkStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	sources, err := s.selectSources(req.Sources)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	win := s.window(req)
	sub, err := s.opts.Controller.Start(s.runCtx, sources, win, nil)
	if errors.Is(err, bulk.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"progress": s.opts.Controller.Progress(),
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if s.opts.Store != nil {
		go func() {
			res := sub.Wait()
			if err := s.opts.Store.SaveResult(context.Background(), win, res); err != nil {
				s.logger.Error("save bulk result", "run", res.Progress.RunID, "err", err)
			}
		}()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"subscription": sub.ID,
		"sources":      len(sources),
		"window":       win,
	})
}

func (s *Server) handleBulkStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": s.opts.Controller.Stop()})
}

func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.Progress())
}

func (s *Server) handleBulkResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	res := s.opts.Controller.LastResult()
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no finished run"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIndex loads the request body as a new index on POST and reports
// the load state on GET.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.opts.Worker.State())
	case http.MethodPost:
		stats, err := s.opts.Worker.Load(r.Context(), r.Body, r.ContentLength)
		if errors.Is(err, lookup.ErrLoadInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "stats": stats})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q"})
		return
	}
	limit := s.opts.SearchLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	entries, err := s.opts.Worker.Search(r.Context(), q, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"count": len(entries),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	q := r.URL.Query()
	caller := lookup.Caller{UserID: q.Get("user_id"), FileURL: q.Get("file_url")}
	res, err := s.opts.Resolver.Resolve(r.Context(), q.Get("key"), caller)
	if errors.Is(err, lookup.ErrAllBackendsFailed) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "resolution": res})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	UserID string `json:"user_id"`
}

// handleConfirm caches a confirmed value for the session and, when a user is
// given, persists it into that user's contacts.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Key == "" || req.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key and value are required"})
		return
	}

	s.opts.Cache.Confirm(req.Key, req.Value)

	persisted := false
	if req.UserID != "" && s.opts.Contacts != nil {
		if _, err := s.opts.Contacts.PutContacts(r.Context(), req.UserID, []lookup.Entry{{Key: req.Key, Value: req.Value}}); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		persisted = true
	}

	writeJSON(w, http.StatusOK, map[string]bool{"confirmed": true, "persisted": persisted})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.opts.Store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "persistence disabled"})
		return
	}

	opts := store.ListOpts{Limit: 100}
	if src := r.URL.Query().Get("source"); src != "" {
		opts.SourceID = src
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}

	items, err := s.opts.Store.ListItems(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	counts := map[string]int{}
	if s.opts.Store != nil {
		var err error
		counts, err = s.opts.Store.CountItemsBySource(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	type sourceInfo struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Kind  source.Kind `json:"kind"`
		Items int         `json:"items"`
	}

	infos := make([]sourceInfo, 0, len(s.opts.Sources))
	for _, src := range s.opts.Sources {
		infos = append(infos, sourceInfo{
			ID:    src.ID,
			Name:  src.Name(),
			Kind:  src.Kind,
			Items: counts[src.ID],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.opts.Store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "persistence disabled"})
		return
	}

	runs, err := s.opts.Store.ListRuns(r.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  runs,
		"count": len(runs),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
