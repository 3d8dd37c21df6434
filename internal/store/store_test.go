package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/bulkfeed/pkg/bulk"
	"github.com/elonfeng/bulkfeed/pkg/lookup"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testResult() *bulk.Result {
	return &bulk.Result{
		Items: []source.Item{
			{ID: "p1", SourceID: "page", SourceName: "Page", Message: "first", CreatedTime: base, Extra: map[string]any{"story": "x"}},
			{ID: "p2", SourceID: "page", SourceName: "Page", Message: "second", CreatedTime: base.Add(time.Hour)},
			{ID: "g1", SourceID: "group", SourceName: "Group", Message: "hello", CreatedTime: base.Add(2 * time.Hour)},
		},
		SubItems: []source.SubItem{
			{ID: "c1", ParentID: "p1", SourceName: "Page", Message: "reply", CreatedTime: base.Add(time.Minute)},
		},
		Progress: bulk.Progress{RunID: "run-1", Status: bulk.StatusCompleted, ItemsLoaded: 3, SubItemsLoaded: 1, CurrentBatch: 2},
		Failures: map[string]string{"broken": "access denied"},
	}
}

func TestSaveResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	win := source.Window{Start: base.Add(-time.Hour), End: base.Add(3 * time.Hour)}

	require.NoError(t, s.SaveResult(ctx, win, testResult()))

	item, err := s.GetItem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", item.Message)
	assert.Equal(t, "x", item.Extra["story"])
	assert.True(t, item.CreatedTime.Equal(base))

	subs, err := s.ListComments(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "reply", subs[0].Message)

	counts, err := s.CountItemsBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"page": 2, "group": 1}, counts)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 3, runs[0].Items)
	assert.Equal(t, "access denied", runs[0].Failures["broken"])
}

func TestSaveResult_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveResult(ctx, source.Window{}, testResult()))
	require.NoError(t, s.SaveResult(ctx, source.Window{}, testResult()))

	items, err := s.ListItems(ctx, ListOpts{})
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestListItems_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveResult(ctx, source.Window{}, testResult()))

	items, err := s.ListItems(ctx, ListOpts{SourceID: "page"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p2", items[0].ID, "newest first")

	items, err = s.ListItems(ctx, ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetItem_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContacts_ScopedByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.PutContacts(ctx, "alice", []lookup.Entry{{Key: "user_42", Value: "555"}, {Key: "bob", Value: "1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.PutContacts(ctx, "alice", []lookup.Entry{{Key: "bob", Value: "2"}})
	require.NoError(t, err)

	v, ok, err := s.LookupContact(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok, err = s.LookupContact(ctx, "carol", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.PutContacts(ctx, "", nil)
	assert.Error(t, err)
}

func TestSQLiteStore_AsResolverBackend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.PutContacts(ctx, "alice", []lookup.Entry{{Key: "user_42", Value: "555"}})
	require.NoError(t, err)

	r := lookup.NewResolver(lookup.ResolverOptions{Store: lookup.StoreBackend{Store: s}})
	res, err := r.Resolve(ctx, "user_42", lookup.Caller{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "store", res.Backend)
	assert.Equal(t, "555", res.Value)
}
