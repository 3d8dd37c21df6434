package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteSearch delegates lookups to a search service that indexes the file
// at Caller.FileURL server-side.
type RemoteSearch struct {
	client  *http.Client
	baseURL string
}

// NewRemoteSearch creates a remote search backend.
func NewRemoteSearch(baseURL string, timeout time.Duration) *RemoteSearch {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSearch{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (r *RemoteSearch) Name() string { return "remote" }

type remoteSearchRequest struct {
	FileURL string `json:"file_url"`
	Key     string `json:"key"`
}

type remoteSearchResponse struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
	Error string `json:"error,omitempty"`
}

// Lookup misses without a request when no file location is configured.
func (r *RemoteSearch) Lookup(ctx context.Context, key string, caller Caller) (string, bool, error) {
	if r.baseURL == "" || caller.FileURL == "" {
		return "", false, nil
	}

	body, err := json.Marshal(remoteSearchRequest{FileURL: caller.FileURL, Key: key})
	if err != nil {
		return "", false, fmt.Errorf("marshal remote search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create remote search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bulkfeed/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("remote search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("remote search status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out remoteSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode remote search: %w", err)
	}
	if out.Error != "" {
		return "", false, fmt.Errorf("remote search: %s", out.Error)
	}
	return out.Value, out.Found && out.Value != "", nil
}
