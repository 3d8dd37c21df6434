package source

import (
	"fmt"
	"time"
)

// Kind identifies which remote collection type a source pages through.
type Kind string

const (
	// KindFeedA is a page timeline, read through the "posts" edge.
	KindFeedA Kind = "feed-a"
	// KindFeedB is a group/community feed, read through the "feed" edge.
	KindFeedB Kind = "feed-b"
)

// Edge returns the Graph edge the kind is read from.
func (k Kind) Edge() string {
	if k == KindFeedB {
		return "feed"
	}
	return "posts"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFeedA || k == KindFeedB
}

// Source is one remote collection to page through.
type Source struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"name"`
	Kind        Kind   `json:"kind" yaml:"kind"`
}

// Name returns the display name, falling back to the ID.
func (s Source) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// Item is a post collected from a source.
type Item struct {
	ID          string         `json:"id" db:"id"`
	SourceID    string         `json:"source_id" db:"source_id"`
	SourceName  string         `json:"source_name" db:"source_name"`
	Message     string         `json:"message" db:"message"`
	Author      string         `json:"author" db:"author"`
	Permalink   string         `json:"permalink" db:"permalink"`
	CreatedTime time.Time      `json:"created_time" db:"created_time"`
	CollectedAt time.Time      `json:"collected_at" db:"collected_at"`
	Extra       map[string]any `json:"extra,omitempty" db:"-"`
	ExtraJSON   string         `json:"-" db:"extra"`

	// Comments holds nested sub-items as returned by the fetcher. The walker
	// flattens them into SubItem values and clears this field.
	Comments []SubItem `json:"-" db:"-"`
}

// SubItem is a comment or reply attached to an Item.
type SubItem struct {
	ID          string    `json:"id" db:"id"`
	ParentID    string    `json:"parent_id" db:"parent_id"`
	SourceName  string    `json:"source_name" db:"source_name"`
	Message     string    `json:"message" db:"message"`
	Author      string    `json:"author" db:"author"`
	CreatedTime time.Time `json:"created_time" db:"created_time"`
}

// Window bounds one ingestion run.
type Window struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	MaxItems        int       `json:"max_items"`
	BatchSize       int       `json:"batch_size"`
	IncludeComments bool      `json:"include_comments"`
}

// Validate reports an unusable window.
func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("window start %s is after end %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if w.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", w.BatchSize)
	}
	if w.MaxItems < 0 {
		return fmt.Errorf("max items must be >= 0, got %d", w.MaxItems)
	}
	return nil
}

// MaxBatches returns ceil(MaxItems / BatchSize).
func (w Window) MaxBatches() int {
	return BatchesFor(w.MaxItems, w.BatchSize)
}

// BatchesFor returns ceil(items / batchSize), or 0 for a non-positive batch size.
func BatchesFor(items, batchSize int) int {
	if batchSize <= 0 || items <= 0 {
		return 0
	}
	return (items + batchSize - 1) / batchSize
}
