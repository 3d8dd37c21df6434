package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/bulkfeed/internal/config"
	"github.com/elonfeng/bulkfeed/internal/logging"
	"github.com/elonfeng/bulkfeed/internal/scheduler"
	"github.com/elonfeng/bulkfeed/internal/store"
	"github.com/elonfeng/bulkfeed/pkg/alert"
	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/graph"
	"github.com/elonfeng/bulkfeed/pkg/lookup"
	"github.com/elonfeng/bulkfeed/pkg/server"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// setup loads the config and opens the logger. The returned function closes
// the log file, if any.
func setup() (*config.Config, *log.Logger, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := logging.Open(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func buildController(cfg *config.Config, logger *log.Logger) *bulk.Controller {
	client := graph.NewClient(cfg.Graph.AccessToken,
		graph.WithBaseURL(cfg.Graph.BaseURL),
		graph.WithVersion(cfg.Graph.Version),
		graph.WithTimeout(cfg.Graph.ParseTimeout()),
	)
	return bulk.NewController(bulk.Options{
		WalkerOptions: bulk.WalkerOptions{
			Fetcher:          client,
			Fields:           cfg.Graph.Fields,
			RequestInterval:  cfg.Bulk.ParseRequestInterval(),
			RateLimitBackoff: cfg.Bulk.ParseRateLimitBackoff(),
			TransientBackoff: cfg.Bulk.ParseTransientBackoff(),
			MaxBackoff:       cfg.Bulk.ParseMaxBackoff(),
			MaxRetries:       cfg.Bulk.MaxRetries,
			Logger:           logger,
		},
		SourceDelay: cfg.Bulk.ParseSourceDelay(),
	})
}

func baseWindow(cfg *config.Config) source.Window {
	return source.Window{
		MaxItems:        cfg.Bulk.MaxItems,
		BatchSize:       cfg.Bulk.BatchSize,
		IncludeComments: cfg.Bulk.IncludeComments,
	}
}

func ingestOptions(cfg *config.Config, logger *log.Logger) lookup.IngestOptions {
	return lookup.IngestOptions{
		ChunkSize:     cfg.Lookup.ChunkSize,
		YieldInterval: cfg.Lookup.ParseYieldInterval(),
		Logger:        logger,
	}
}

// buildContacts returns the user-scoped contact store: MongoDB when
// configured, the SQLite store otherwise.
func buildContacts(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (server.ContactStore, func() error, error) {
	if cfg.Database.MongoURI == "" {
		return db, func() error { return nil }, nil
	}
	m, err := store.NewMongoContacts(ctx, store.MongoOptions{
		URI:      cfg.Database.MongoURI,
		Database: cfg.Database.MongoDatabase,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

func buildResolver(cfg *config.Config, logger *log.Logger, cache *lookup.Cache, contacts lookup.ContactStore, index lookup.IndexReader) *lookup.Resolver {
	opts := lookup.ResolverOptions{Logger: logger}
	if cache != nil {
		opts.Cache = cache
	}
	if contacts != nil {
		opts.Store = lookup.StoreBackend{Store: contacts}
	}
	if cfg.Lookup.RemoteSearchURL != "" {
		opts.Remote = lookup.NewRemoteSearch(cfg.Lookup.RemoteSearchURL, cfg.Lookup.ParseRemoteTimeout())
	}
	if index != nil {
		opts.Index = lookup.IndexBackend{Reader: index}
	}
	return lookup.NewResolver(opts)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func selectSources(all []source.Source, ids []string) ([]source.Source, error) {
	if len(ids) == 0 {
		if len(all) == 0 {
			return nil, errors.New("no sources configured")
		}
		return all, nil
	}

	wanted := make(map[string]bool)
	for _, id := range ids {
		wanted[strings.TrimSpace(id)] = true
	}
	var sources []source.Source
	for _, s := range all {
		if wanted[s.ID] {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no matching sources for: %s", strings.Join(ids, ", "))
	}
	return sources, nil
}

func loadWindow(cmd *cobra.Command, cfg *config.Config, f loadFlags) (source.Window, error) {
	win := baseWindow(cfg)

	win.End = time.Now()
	if f.end != "" {
		t, err := time.Parse(time.RFC3339, f.end)
		if err != nil {
			return win, fmt.Errorf("parse --end: %w", err)
		}
		win.End = t
	}
	win.Start = win.End.Add(-f.since)
	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return win, fmt.Errorf("parse --start: %w", err)
		}
		win.Start = t
	}

	if f.maxItems >= 0 {
		win.MaxItems = f.maxItems
	}
	if f.batchSize > 0 {
		win.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("comments") {
		win.IncludeComments = f.comments
	}
	return win, win.Validate()
}

func runLoad(cmd *cobra.Command, f loadFlags) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	sources, err := selectSources(cfg.Sources, f.sources)
	if err != nil {
		return err
	}
	win, err := loadWindow(cmd, cfg, f)
	if err != nil {
		return err
	}

	ctrl := buildController(cfg, logger)
	sub, err := ctrl.Start(context.Background(), sources, win, nil)
	if err != nil {
		return fmt.Errorf("start bulk load: %w", err)
	}

	// The first interrupt pauses the run at the next batch boundary.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		sub.Stop()
	}()

	for p := range sub.Updates() {
		fmt.Fprintf(os.Stderr, "\r%-10s batch %d/%d  %s posts  %s comments  %s",
			p.Status, p.CurrentBatch, p.TotalBatchesEstimate,
			humanize.Comma(int64(p.ItemsLoaded)), humanize.Comma(int64(p.SubItemsLoaded)), p.CurrentSourceName)
	}
	fmt.Fprintln(os.Stderr)

	res := sub.Wait()

	if f.persist {
		db, err := store.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		if err := db.SaveResult(context.Background(), win, res); err != nil {
			return fmt.Errorf("save result: %w", err)
		}
		fmt.Fprintf(os.Stderr, "saved run %s to %s\n", res.Progress.RunID, cfg.Database.Path)
	}

	if f.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printResult(sources, res)
}

func printResult(sources []source.Source, res *bulk.Result) error {
	counts := make(map[string]int)
	for _, it := range res.Items {
		counts[it.SourceID]++
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tKIND\tPOSTS\tSTATUS")
	for _, s := range sources {
		status := "ok"
		switch {
		case res.Interrupted == s.Name():
			status = "interrupted"
		case res.Failures[s.ID] != "":
			status = res.Failures[s.ID]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name(), s.Kind, counts[s.ID], status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	p := res.Progress
	fmt.Printf("\n%s: %s posts, %s comments in %d batches\n", p.Status,
		humanize.Comma(int64(len(res.Items))), humanize.Comma(int64(len(res.SubItems))), p.CurrentBatch)
	if p.ErrorDetail != "" {
		fmt.Println(p.ErrorDetail)
	}
	return nil
}

func runIndex(cmd *cobra.Command, path, search string, limit int, persist bool, userID string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if persist && userID == "" {
		return errors.New("--persist requires --user")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	idx := lookup.NewIndex()
	in := lookup.NewIngestor(ingestOptions(cfg, logger))
	stats, err := in.Ingest(ctx, f, info.Size(), idx, func(p lookup.IngestProgress) {
		fmt.Fprintf(os.Stderr, "\rindexing %s / %s (%3.0f%%)",
			humanize.Bytes(uint64(p.Consumed)), humanize.Bytes(uint64(p.Total)), p.Fraction()*100)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("index %s: %w", path, err)
	}
	idx.Freeze()

	fmt.Fprintf(os.Stderr, "indexed %s keys from %s lines (%s skipped), %s in %s\n",
		humanize.Comma(int64(idx.Len())), humanize.Comma(int64(stats.Lines)), humanize.Comma(int64(stats.Skipped)),
		humanize.Bytes(uint64(stats.Bytes)), stats.Duration.Round(time.Millisecond))

	if persist {
		db, err := store.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		contacts, closeContacts, err := buildContacts(ctx, cfg, db)
		if err != nil {
			return err
		}
		defer closeContacts()

		n, err := contacts.PutContacts(ctx, userID, idx.Entries())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "stored %s contacts for %s\n", humanize.Comma(int64(n)), userID)
	}

	if search == "" {
		return nil
	}
	if limit <= 0 {
		limit = cfg.Lookup.SearchLimit
	}
	entries := idx.Search(search, limit)
	if len(entries) == 0 {
		fmt.Println("no matches")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Key, e.Value)
	}
	return w.Flush()
}

func runResolve(cmd *cobra.Command, key, userID, fileURL, file string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	contacts, closeContacts, err := buildContacts(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeContacts()

	var index lookup.IndexReader
	if file != "" {
		worker := lookup.NewWorker(ingestOptions(cfg, logger))
		defer worker.Close()

		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", file, err)
		}
		if _, err := worker.Load(ctx, f, info.Size()); err != nil {
			return fmt.Errorf("index %s: %w", file, err)
		}
		index = worker
	}

	resolver := buildResolver(cfg, logger, nil, contacts, index)
	res, err := resolver.Resolve(ctx, key, lookup.Caller{UserID: userID, FileURL: fileURL})
	if err != nil {
		return err
	}

	if !res.Found {
		fmt.Printf("%s: not found (tried %s)\n", res.Key, strings.Join(resolver.Backends(), ", "))
		return nil
	}
	fmt.Printf("%s\t%s\t(%s)\n", res.Key, res.Value, res.Backend)
	return nil
}

// runServe starts the HTTP API. With daemon set it also runs the scheduler;
// both stop on SIGINT or SIGTERM, or when either fails.
func runServe(cmd *cobra.Command, port int, daemon bool) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	contacts, closeContacts, err := buildContacts(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeContacts()

	worker := lookup.NewWorker(ingestOptions(cfg, logger))
	defer worker.Close()

	ctrl := buildController(cfg, logger)
	cache := lookup.NewCache()

	srv := server.New(server.Options{
		Controller:  ctrl,
		Store:       db,
		Contacts:    contacts,
		Worker:      worker,
		Resolver:    buildResolver(cfg, logger, cache, contacts, worker),
		Cache:       cache,
		Sources:     cfg.Sources,
		Window:      baseWindow(cfg),
		Lookback:    cfg.Schedule.ParseLookback(),
		SearchLimit: cfg.Lookup.SearchLimit,
		Port:        port,
		Logger:      logger,
	})

	if !daemon {
		return srv.ListenAndServe(ctx)
	}

	var saver scheduler.ResultSaver
	if cfg.Schedule.Persist {
		saver = db
	}
	sched := scheduler.New(scheduler.Options{
		Runner:   ctrl,
		Saver:    saver,
		Alerts:   buildAlertManager(cfg),
		Sources:  cfg.Sources,
		Interval: cfg.Schedule.ParseInterval(),
		Lookback: cfg.Schedule.ParseLookback(),
		Window:   baseWindow(cfg),
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
