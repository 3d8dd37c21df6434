package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/bulkfeed/pkg/source"
)

// graphTimeLayout is the timestamp format the API uses ("2024-01-02T15:04:05+0000").
const graphTimeLayout = "2006-01-02T15:04:05-0700"

type envelope struct {
	Data   []rawPost  `json:"data"`
	Paging *rawPaging `json:"paging"`
	Error  *apiError  `json:"error"`
}

type rawPaging struct {
	Cursors struct {
		Before string `json:"before"`
		After  string `json:"after"`
	} `json:"cursors"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
}

type apiError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

type rawActor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type rawPost struct {
	ID           string    `json:"id"`
	Message      string    `json:"message"`
	Story        string    `json:"story"`
	CreatedTime  graphTime `json:"created_time"`
	PermalinkURL string    `json:"permalink_url"`
	From         *rawActor `json:"from"`
	Comments     *struct {
		Data []rawComment `json:"data"`
	} `json:"comments"`
}

type rawComment struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	CreatedTime graphTime `json:"created_time"`
	From        *rawActor `json:"from"`
}

func (p rawPost) toItem(src source.Source) source.Item {
	item := source.Item{
		ID:          p.ID,
		SourceID:    src.ID,
		SourceName:  src.Name(),
		Message:     p.Message,
		Permalink:   p.PermalinkURL,
		CreatedTime: p.CreatedTime.Time,
		CollectedAt: time.Now().UTC(),
	}
	if item.Message == "" && p.Story != "" {
		item.Extra = map[string]any{"story": p.Story}
	}
	if p.From != nil {
		item.Author = p.From.Name
	}
	if p.Comments != nil {
		for _, c := range p.Comments.Data {
			sub := source.SubItem{
				ID:          c.ID,
				ParentID:    p.ID,
				Message:     c.Message,
				CreatedTime: c.CreatedTime.Time,
			}
			if c.From != nil {
				sub.Author = c.From.Name
			}
			item.Comments = append(item.Comments, sub)
		}
	}
	return item
}

// graphTime accepts both the Graph layout and RFC3339.
type graphTime struct {
	time.Time
}

func (t *graphTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("created_time: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{graphTimeLayout, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("created_time: unrecognized timestamp %q", s)
}
