package lookup

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_LineSplitAcrossChunks(t *testing.T) {
	data := `"user_42",5551234` + "\n"
	x := NewIndex()

	in := NewIngestor(IngestOptions{ChunkSize: len(`"user_42"`)})
	stats, err := in.Ingest(context.Background(), strings.NewReader(data), int64(len(data)), x, nil)
	require.NoError(t, err)

	v, ok := x.Get("user_42")
	require.True(t, ok)
	assert.Equal(t, "5551234", v)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 1, x.Len())
}

func TestIngest_AnyChunkSizeGivesSameIndex(t *testing.T) {
	data := "alice,111\nbob:222\n{\"carol\":\"333\"}\n\ndave|444\neve 555"

	want := NewIndex()
	_, err := NewIngestor(IngestOptions{}).Ingest(context.Background(), strings.NewReader(data), 0, want, nil)
	require.NoError(t, err)
	require.Equal(t, 5, want.Len())

	for size := 1; size <= len(data)+1; size++ {
		got := NewIndex()
		stats, err := NewIngestor(IngestOptions{ChunkSize: size}).
			Ingest(context.Background(), strings.NewReader(data), int64(len(data)), got, nil)
		require.NoError(t, err, "chunk size %d", size)
		assert.Equal(t, want.Entries(), got.Entries(), "chunk size %d", size)
		assert.Equal(t, 5, stats.Records, "chunk size %d", size)
		assert.Equal(t, int64(len(data)), stats.Bytes)
	}
}

func TestIngest_ReportsProgress(t *testing.T) {
	data := strings.Repeat("k,v\n", 10)
	var reports []IngestProgress

	_, err := NewIngestor(IngestOptions{ChunkSize: 8}).Ingest(context.Background(),
		strings.NewReader(data), int64(len(data)), NewIndex(), func(p IngestProgress) {
			reports = append(reports, p)
		})
	require.NoError(t, err)

	require.Len(t, reports, 5)
	last := reports[len(reports)-1]
	assert.Equal(t, int64(len(data)), last.Consumed)
	assert.InDelta(t, 1.0, last.Fraction(), 1e-9)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].Consumed, reports[i-1].Consumed)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestIngest_ReadErrorReturnsPartialStats(t *testing.T) {
	boom := errors.New("disk gone")
	r := &failingReader{data: []byte("a,1\nb,2\n"), err: boom}
	x := NewIndex()

	stats, err := NewIngestor(IngestOptions{ChunkSize: 4}).Ingest(context.Background(), r, 0, x, nil)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, int64(8), stats.Bytes)
}

func TestIngest_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIngestor(IngestOptions{}).Ingest(ctx, strings.NewReader("a,1\n"), 0, NewIndex(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngest_EmptyInput(t *testing.T) {
	stats, err := NewIngestor(IngestOptions{}).Ingest(context.Background(), io.LimitReader(strings.NewReader(""), 0), 0, NewIndex(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)
	assert.Zero(t, stats.Chunks)
}

type repeatReader byte

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

func TestIngest_NewlineFreeInputIsDroppedAsOneLine(t *testing.T) {
	const size = 8 << 20
	x := NewIndex()

	stats, err := NewIngestor(IngestOptions{ChunkSize: 1 << 10}).
		Ingest(context.Background(), io.LimitReader(repeatReader('x'), size), size, x, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(size), stats.Bytes)
	assert.Equal(t, 1, stats.Lines)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Records)
	assert.Equal(t, 0, x.Len())
}

func TestIngest_OversizedLineSkipsToNextNewline(t *testing.T) {
	data := strings.Repeat("x", 1000) + "\nk,v\n" + strings.Repeat("y", 500)
	x := NewIndex()

	stats, err := NewIngestor(IngestOptions{ChunkSize: 16, MaxLineSize: 64}).
		Ingest(context.Background(), strings.NewReader(data), int64(len(data)), x, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Lines)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 2, stats.Skipped)

	v, ok := x.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, x.Len())
}
