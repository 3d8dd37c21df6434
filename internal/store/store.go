package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/lookup"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Run is the persisted summary of one bulk load.
type Run struct {
	ID           string            `db:"id" json:"id"`
	Status       string            `db:"status" json:"status"`
	Items        int               `db:"items" json:"items"`
	SubItems     int               `db:"sub_items" json:"sub_items"`
	Batches      int               `db:"batches" json:"batches"`
	ErrorDetail  string            `db:"error_detail" json:"error_detail,omitempty"`
	FailuresJSON string            `db:"failures" json:"-"`
	Failures     map[string]string `db:"-" json:"failures,omitempty"`
	Interrupted  string            `db:"interrupted" json:"interrupted,omitempty"`
	WindowStart  time.Time         `db:"window_start" json:"window_start"`
	WindowEnd    time.Time         `db:"window_end" json:"window_end"`
	FinishedAt   time.Time         `db:"finished_at" json:"finished_at"`
}

// ListOpts controls item listing.
type ListOpts struct {
	SourceID string
	Since    time.Time
	Limit    int
}

// Store is the persistence interface.
type Store interface {
	SaveResult(ctx context.Context, win source.Window, res *bulk.Result) error
	UpsertItems(ctx context.Context, items []source.Item) error
	UpsertSubItems(ctx context.Context, subs []source.SubItem) error
	GetItem(ctx context.Context, id string) (*source.Item, error)
	ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error)
	ListComments(ctx context.Context, parentID string) ([]source.SubItem, error)
	CountItemsBySource(ctx context.Context) (map[string]int, error)

	ListRuns(ctx context.Context, limit int) ([]Run, error)

	PutContacts(ctx context.Context, userID string, entries []lookup.Entry) (int, error)
	LookupContact(ctx context.Context, userID, key string) (string, bool, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResult persists the posts, comments and summary of a finished run in
// one transaction.
func (s *SQLiteStore) SaveResult(ctx context.Context, win source.Window, res *bulk.Result) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save result: %w", err)
	}
	defer tx.Rollback()

	for i := range res.Items {
		if err := upsertItem(ctx, tx, &res.Items[i]); err != nil {
			return err
		}
	}
	for i := range res.SubItems {
		if err := upsertSubItem(ctx, tx, &res.SubItems[i]); err != nil {
			return err
		}
	}

	failuresJSON, _ := json.Marshal(res.Failures)
	p := res.Progress
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, items, sub_items, batches, error_detail, failures, interrupted, window_start, window_end, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			items = excluded.items,
			sub_items = excluded.sub_items,
			batches = excluded.batches,
			error_detail = excluded.error_detail,
			failures = excluded.failures,
			interrupted = excluded.interrupted,
			finished_at = excluded.finished_at
	`, p.RunID, string(p.Status), p.ItemsLoaded, p.SubItemsLoaded, p.CurrentBatch, p.ErrorDetail,
		string(failuresJSON), res.Interrupted, win.Start.UTC(), win.End.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save run %s: %w", p.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []source.Item) error {
	for i := range items {
		if err := upsertItem(ctx, s.db, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertSubItems(ctx context.Context, subs []source.SubItem) error {
	for i := range subs {
		if err := upsertSubItem(ctx, s.db, &subs[i]); err != nil {
			return err
		}
	}
	return nil
}

func upsertItem(ctx context.Context, db sqlx.ExecerContext, item *source.Item) error {
	extraJSON, _ := json.Marshal(item.Extra)
	collected := item.CollectedAt
	if collected.IsZero() {
		collected = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO posts (id, source_id, source_name, message, author, permalink, created_time, collected_at, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message = excluded.message,
			source_name = excluded.source_name,
			collected_at = excluded.collected_at,
			extra = excluded.extra
	`, item.ID, item.SourceID, item.SourceName, item.Message, item.Author, item.Permalink,
		item.CreatedTime.UTC(), collected.UTC(), string(extraJSON))
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", item.ID, err)
	}
	return nil
}

func upsertSubItem(ctx context.Context, db sqlx.ExecerContext, sub *source.SubItem) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO comments (id, parent_id, source_name, message, author, created_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message = excluded.message
	`, sub.ID, sub.ParentID, sub.SourceName, sub.Message, sub.Author, sub.CreatedTime.UTC())
	if err != nil {
		return fmt.Errorf("upsert comment %s: %w", sub.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*source.Item, error) {
	var item source.Item
	err := s.db.GetContext(ctx, &item, "SELECT * FROM posts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	json.Unmarshal([]byte(item.ExtraJSON), &item.Extra)
	return &item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, opts ListOpts) ([]source.Item, error) {
	query := "SELECT * FROM posts WHERE 1=1"
	var args []any

	if opts.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, opts.SourceID)
	}
	if !opts.Since.IsZero() {
		query += " AND created_time >= ?"
		args = append(args, opts.Since.UTC())
	}

	query += " ORDER BY created_time DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var items []source.Item
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	for i := range items {
		json.Unmarshal([]byte(items[i].ExtraJSON), &items[i].Extra)
	}
	return items, nil
}

func (s *SQLiteStore) ListComments(ctx context.Context, parentID string) ([]source.SubItem, error) {
	var subs []source.SubItem
	err := s.db.SelectContext(ctx, &subs,
		"SELECT * FROM comments WHERE parent_id = ? ORDER BY created_time", parentID)
	if err != nil {
		return nil, fmt.Errorf("list comments %s: %w", parentID, err)
	}
	return subs, nil
}

func (s *SQLiteStore) CountItemsBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT source_id, COUNT(*) as cnt FROM posts GROUP BY source_id")
	if err != nil {
		return nil, fmt.Errorf("count posts by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, err
		}
		counts[src] = cnt
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, "SELECT * FROM runs ORDER BY finished_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		json.Unmarshal([]byte(runs[i].FailuresJSON), &runs[i].Failures)
	}
	return runs, nil
}

// PutContacts writes entries into userID's partition. Existing keys are
// overwritten. It returns the number of entries written.
func (s *SQLiteStore) PutContacts(ctx context.Context, userID string, entries []lookup.Entry) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("put contacts: empty user id")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin put contacts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO contacts (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare put contacts: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, userID, e.Key, e.Value, now); err != nil {
			return 0, fmt.Errorf("put contact %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit put contacts: %w", err)
	}
	return len(entries), nil
}

// LookupContact implements lookup.ContactStore.
func (s *SQLiteStore) LookupContact(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM contacts WHERE user_id = ? AND key = ?", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup contact: %w", err)
	}
	return value, true, nil
}
