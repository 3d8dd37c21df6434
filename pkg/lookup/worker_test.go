package lookup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w := NewWorker(IngestOptions{ChunkSize: 16})
	t.Cleanup(w.Close)
	return w
}

func load(t *testing.T, w *Worker, data string) *IngestStats {
	t.Helper()
	stats, err := w.Load(context.Background(), strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return stats
}

func TestWorker_EmptyBeforeLoad(t *testing.T) {
	w := newTestWorker(t)

	_, ok, err := w.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, w.State().Loading)
}

func TestWorker_LoadThenLookup(t *testing.T) {
	w := newTestWorker(t)
	stats := load(t, w, "user_1,111\nuser_42,555\nother_420,999\n")
	assert.Equal(t, 3, stats.Records)

	v, ok, err := w.Get(context.Background(), "user_42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "555", v)

	entries, err := w.Search(context.Background(), "42", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	st := w.State()
	assert.Equal(t, 3, st.Entries)
	require.NotNil(t, st.Last)
	assert.Equal(t, 3, st.Last.Records)
}

func TestWorker_OverlappingSearchesGetTheirOwnReplies(t *testing.T) {
	w := newTestWorker(t)

	var b strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "key_%03d,value_%03d\n", i, i)
	}
	load(t, w, b.String())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := fmt.Sprintf("key_%03d", i)
			entries, err := w.Search(context.Background(), q, 10)
			if !assert.NoError(t, err) {
				return
			}
			if assert.Len(t, entries, 1) {
				assert.Equal(t, fmt.Sprintf("value_%03d", i), entries[0].Value)
			}
		}(i)
	}
	wg.Wait()
}

func TestWorker_ReloadReplacesIndex(t *testing.T) {
	w := newTestWorker(t)
	load(t, w, "old,1\n")
	load(t, w, "new,2\n")

	_, ok, err := w.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := w.Get(context.Background(), "new")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

// gateReader blocks its first Read until release is closed.
type gateReader struct {
	r       io.Reader
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gateReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.r.Read(p)
}

func TestWorker_ConcurrentLoadRejectedAndLookupsKeepServing(t *testing.T) {
	w := newTestWorker(t)
	load(t, w, "old,1\n")

	gate := &gateReader{r: strings.NewReader("new,2\n"), release: make(chan struct{}), started: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := w.Load(context.Background(), gate, 6)
		done <- err
	}()

	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("load did not start")
	}
	assert.True(t, w.State().Loading)

	_, err := w.Load(context.Background(), strings.NewReader("x,y\n"), 4)
	assert.ErrorIs(t, err, ErrLoadInProgress)

	v, ok, err := w.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	close(gate.release)
	require.NoError(t, <-done)

	_, ok, _ = w.Get(context.Background(), "old")
	assert.False(t, ok)
	assert.False(t, w.State().Loading)
}

func TestWorker_FailedLoadKeepsPreviousIndex(t *testing.T) {
	w := newTestWorker(t)
	load(t, w, "old,1\n")

	r := &failingReader{data: []byte("new,2\n"), err: io.ErrClosedPipe}
	_, err := w.Load(context.Background(), r, 0)
	require.ErrorIs(t, err, io.ErrClosedPipe)

	v, ok, err := w.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.NotEmpty(t, w.State().LastErr)
}

func TestWorker_Closed(t *testing.T) {
	w := NewWorker(IngestOptions{})
	w.Close()

	_, _, err := w.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrWorkerClosed)
}
