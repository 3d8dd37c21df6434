package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elonfeng/bulkfeed/pkg/source"
)

// Default configuration values.
const (
	DefaultBaseURL = "https://graph.facebook.com"
	DefaultVersion = "v19.0"
	DefaultTimeout = 30 * time.Second

	maxBodySize = 32 << 20
)

// DefaultFields is the projection requested for every post.
var DefaultFields = []string{"id", "message", "story", "created_time", "permalink_url", "from{id,name}"}

const commentFields = "comments.limit(100){id,message,created_time,from{id,name}}"

// Request describes one page fetch. When After is set the window bounds are
// not sent; the cursor already encodes them.
type Request struct {
	Source          source.Source
	Fields          []string
	Limit           int
	Since           time.Time
	Until           time.Time
	After           string
	IncludeComments bool
}

// Page is one decoded page of items.
type Page struct {
	Items      []source.Item
	NextCursor string // empty when there are no more pages
}

// Fetcher fetches a single page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// Client fetches pages from a Graph-style paginated API.
type Client struct {
	client      *http.Client
	baseURL     string
	version     string
	accessToken string
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithBaseURL overrides the API host.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithVersion overrides the API version path segment.
func WithVersion(v string) ClientOption {
	return func(c *Client) {
		if v != "" {
			c.version = v
		}
	}
}

// NewClient creates a page fetcher authenticated with accessToken.
func NewClient(accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		client:      &http.Client{Timeout: DefaultTimeout},
		baseURL:     DefaultBaseURL,
		version:     DefaultVersion,
		accessToken: accessToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch issues exactly one request and returns the decoded page or an *Error.
func (c *Client) Fetch(ctx context.Context, req Request) (*Page, error) {
	reqURL := c.buildURL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Kind: Malformed, Message: "build request", Err: err}
	}
	httpReq.Header.Set("User-Agent", "bulkfeed/1.0")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: Transient, Message: fmt.Sprintf("fetch %s", req.Source.ID), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Kind: Transient, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode != http.StatusOK || (decodeErr == nil && env.Error != nil) {
		gerr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && env.Error != nil {
			gerr.Code = env.Error.Code
			gerr.Message = env.Error.Message
		}
		gerr.Kind = classify(resp.StatusCode, gerr.Code)
		return nil, gerr
	}
	if decodeErr != nil {
		return nil, &Error{Kind: Malformed, Status: resp.StatusCode, Message: "decode response", Err: decodeErr}
	}

	page := &Page{Items: make([]source.Item, 0, len(env.Data))}
	for _, p := range env.Data {
		page.Items = append(page.Items, p.toItem(req.Source))
	}
	if env.Paging != nil && env.Paging.Next != "" {
		page.NextCursor = env.Paging.Cursors.After
		if page.NextCursor == "" {
			page.NextCursor = cursorFromNext(env.Paging.Next)
		}
	}
	return page, nil
}

func (c *Client) buildURL(req Request) string {
	fields := req.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	if req.IncludeComments {
		fields = append(fields[:len(fields):len(fields)], commentFields)
	}

	params := url.Values{}
	params.Set("access_token", c.accessToken)
	params.Set("fields", strings.Join(fields, ","))
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.After != "" {
		params.Set("after", req.After)
	} else {
		if !req.Since.IsZero() {
			params.Set("since", strconv.FormatInt(req.Since.Unix(), 10))
		}
		if !req.Until.IsZero() {
			params.Set("until", strconv.FormatInt(req.Until.Unix(), 10))
		}
	}

	return fmt.Sprintf("%s/%s/%s/%s?%s", c.baseURL, c.version,
		url.PathEscape(req.Source.ID), req.Source.Kind.Edge(), params.Encode())
}

func cursorFromNext(next string) string {
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	return u.Query().Get("after")
}
