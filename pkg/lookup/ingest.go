package lookup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultChunkSize is the read window of the ingestor.
	DefaultChunkSize = 1 << 20
	// DefaultMaxLineSize is the smallest default bound on one carried line.
	DefaultMaxLineSize = 64 << 10
)

// IngestOptions configures an Ingestor.
type IngestOptions struct {
	ChunkSize     int
	MaxLineSize   int           // longer carried lines are dropped; zero means max(4*ChunkSize, DefaultMaxLineSize)
	YieldInterval time.Duration // pause after each chunk, zero only yields the scheduler
	Strategies    []Strategy
	Logger        *log.Logger
}

// IngestProgress is reported after every chunk.
type IngestProgress struct {
	Consumed int64 `json:"consumed"`
	Total    int64 `json:"total"`
	Records  int   `json:"records"`
}

// Fraction returns Consumed/Total in [0,1], or 0 when the size is unknown.
func (p IngestProgress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Consumed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// IngestStats summarizes a finished ingestion.
type IngestStats struct {
	Records  int           `json:"records"`
	Skipped  int           `json:"skipped"`
	Lines    int           `json:"lines"`
	Bytes    int64         `json:"bytes"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration"`
}

// Ingestor streams a line-oriented file into a Sink in fixed-size chunks.
type Ingestor struct {
	chunkSize  int
	maxLine    int
	yield      time.Duration
	strategies []Strategy
	logger     *log.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(opts IngestOptions) *Ingestor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = max(4*opts.ChunkSize, DefaultMaxLineSize)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Ingestor{
		chunkSize:  opts.ChunkSize,
		maxLine:    opts.MaxLineSize,
		yield:      opts.YieldInterval,
		strategies: opts.Strategies,
		logger:     opts.Logger,
	}
}

// Ingest reads r chunk by chunk and extracts every complete line into sink.
// The partial line at the end of a chunk is carried into the next one, so a
// line split across a boundary is extracted exactly once. A carried line
// that outgrows MaxLineSize is dropped through its next newline, so memory
// stays bounded by the chunk and line limits. size is only used
// for progress and may be zero. A read error aborts the scan; the returned
// stats then describe what was consumed before it.
func (in *Ingestor) Ingest(ctx context.Context, r io.Reader, size int64, sink Sink, onProgress func(IngestProgress)) (*IngestStats, error) {
	start := time.Now()
	ex := NewExtractor(sink, in.strategies...)
	stats := &IngestStats{}

	buf := make([]byte, in.chunkSize)
	var carry []byte
	dropping := false
	warned := false

	apply := func(text string) {
		st := ex.Extract(text)
		stats.Records += st.Inserted
		stats.Skipped += st.Skipped
		stats.Lines += st.Lines
	}

	for {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			stats.Bytes += int64(n)
			stats.Chunks++

			data := buf[:n]
			if dropping {
				if i := bytes.IndexByte(data, '\n'); i >= 0 {
					data = data[i+1:]
					dropping = false
				} else {
					data = nil
				}
			}
			if last := bytes.LastIndexByte(data, '\n'); last >= 0 {
				carry = append(carry, data[:last+1]...)
				apply(string(carry))
				carry = append(carry[:0], data[last+1:]...)
			} else {
				carry = append(carry, data...)
			}

			if len(carry) > in.maxLine {
				stats.Lines++
				stats.Skipped++
				if !warned {
					in.logger.Warn("dropping oversized line", "offset", stats.Bytes-int64(len(carry)), "max_line_size", in.maxLine)
					warned = true
				}
				carry = carry[:0]
				dropping = true
			}

			if onProgress != nil {
				onProgress(IngestProgress{Consumed: stats.Bytes, Total: size, Records: stats.Records})
			}
			if yerr := in.pause(ctx); yerr != nil {
				stats.Duration = time.Since(start)
				return stats, yerr
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, fmt.Errorf("read chunk at offset %d: %w", stats.Bytes, err)
		}
	}

	if len(carry) > 0 {
		apply(string(carry))
	}

	stats.Duration = time.Since(start)
	in.logger.Info("file ingested", "records", stats.Records, "skipped", stats.Skipped,
		"lines", stats.Lines, "bytes", stats.Bytes, "chunks", stats.Chunks, "took", stats.Duration)
	return stats, nil
}

func (in *Ingestor) pause(ctx context.Context) error {
	runtime.Gosched()
	if in.yield <= 0 {
		return nil
	}
	t := time.NewTimer(in.yield)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
