package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/bulkfeed/pkg/graph"
	"github.com/elonfeng/bulkfeed/pkg/source"
)

var (
	t0  = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1  = t0.Add(48 * time.Hour)
	mid = t0.Add(24 * time.Hour)
)

type stubResponse struct {
	page *graph.Page
	err  error
}

// stubFetcher replays a fixed sequence of responses per source ID. Once a
// sequence is exhausted it returns an empty last page.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string][]stubResponse
	requests  []graph.Request
	onFetch   func(req graph.Request)
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{responses: make(map[string][]stubResponse)}
}

func (f *stubFetcher) add(sourceID string, resp ...stubResponse) *stubFetcher {
	f.responses[sourceID] = append(f.responses[sourceID], resp...)
	return f
}

func (f *stubFetcher) Fetch(ctx context.Context, req graph.Request) (*graph.Page, error) {
	if f.onFetch != nil {
		f.onFetch(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	queue := f.responses[req.Source.ID]
	if len(queue) == 0 {
		return &graph.Page{}, nil
	}
	f.responses[req.Source.ID] = queue[1:]
	return queue[0].page, queue[0].err
}

func (f *stubFetcher) requestsFor(sourceID string) []graph.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Request
	for _, r := range f.requests {
		if r.Source.ID == sourceID {
			out = append(out, r)
		}
	}
	return out
}

func page(cursor string, items ...source.Item) stubResponse {
	return stubResponse{page: &graph.Page{Items: items, NextCursor: cursor}}
}

func failure(kind graph.ErrorKind) stubResponse {
	return stubResponse{err: &graph.Error{Kind: kind, Message: kind.String()}}
}

func post(id string, at time.Time) source.Item {
	return source.Item{ID: id, CreatedTime: at}
}

// posts returns n in-window items named prefix-0..prefix-n-1.
func posts(prefix string, n int) []source.Item {
	items := make([]source.Item, n)
	for i := range items {
		items[i] = post(fmt.Sprintf("%s-%d", prefix, i), mid.Add(time.Duration(i)*time.Minute))
	}
	return items
}

func fastWalkerOptions(f graph.Fetcher) WalkerOptions {
	return WalkerOptions{
		Fetcher:          f,
		RequestInterval:  -1,
		RateLimitBackoff: time.Millisecond,
		TransientBackoff: time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		MaxRetries:       2,
	}
}

func testWindow(maxItems, batchSize int) source.Window {
	return source.Window{Start: t0, End: t1, MaxItems: maxItems, BatchSize: batchSize}
}

func src(id string) source.Source {
	return source.Source{ID: id, DisplayName: "Source " + id, Kind: source.KindFeedA}
}
