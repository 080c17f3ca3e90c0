package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/runwayhq/runway/pkg/api"
	"github.com/runwayhq/runway/pkg/gateway"
)

// Client wraps the Runway HTTP and websocket API for CLI usage
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Query selects one page of a view
type Query struct {
	Filters map[string]string
	Search  string
	Sort    string
	Desc    bool
	Page    int
	Size    int
}

// NewClient creates a client for the server at addr ("host:port" or a
// full URL) authenticating with a bearer token
func NewClient(addr, token string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if token == "" {
		return nil, fmt.Errorf("a token is required")
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends a request and decodes the JSON answer into out. Non-2xx answers
// that still carry a gateway Result are decoded too; the caller inspects it.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected response (%d): %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}

// apiError is the body of non-mutation failures
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodGet, path, q, nil, &raw)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		var e apiError
		_ = json.Unmarshal(raw, &e)
		return fmt.Errorf("GET %s: %d %s", path, status, e.Error)
	}
	return json.Unmarshal(raw, out)
}

// Collections lists the collections the server knows
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var out struct {
		Collections []string `json:"collections"`
	}
	if err := c.get(ctx, "/api/v1/collections", nil, &out); err != nil {
		return nil, err
	}
	return out.Collections, nil
}

// View fetches one page of a collection's derived view
func (c *Client) View(ctx context.Context, collection string, q Query) (*api.ViewResponse, error) {
	vals := url.Values{}
	for f, v := range q.Filters {
		vals.Set("filter."+f, v)
	}
	if q.Search != "" {
		vals.Set("search", q.Search)
	}
	if q.Sort != "" {
		vals.Set("sort", q.Sort)
		if q.Desc {
			vals.Set("dir", "desc")
		}
	}
	if q.Size > 0 {
		vals.Set("size", strconv.Itoa(q.Size))
	}
	vals.Set("page", strconv.Itoa(q.Page))

	var out api.ViewResponse
	if err := c.get(ctx, "/api/v1/collections/"+url.PathEscape(collection)+"/view", vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches aggregate counts of field
func (c *Client) Stats(ctx context.Context, collection, field string, multi bool) (*api.StatsResponse, error) {
	vals := url.Values{"field": {field}}
	if multi {
		vals.Set("multi", "true")
	}
	var out api.StatsResponse
	if err := c.get(ctx, "/api/v1/collections/"+url.PathEscape(collection)+"/stats", vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) mutate(ctx context.Context, method, path string, body any) (*gateway.Result, error) {
	var res gateway.Result
	status, err := c.do(ctx, method, path, nil, body, &res)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, status, res.Error)
	}
	return &res, nil
}

// Create asks the server to create a record. An empty id lets the server
// pick one. Rejections come back as a failed Result, not an error.
func (c *Client) Create(ctx context.Context, collection, id string, fields map[string]any) (*gateway.Result, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	if id != "" {
		body["id"] = id
	}
	return c.mutate(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(collection)+"/records", body)
}

// Update patches a record
func (c *Client) Update(ctx context.Context, collection, id string, patch map[string]any) (*gateway.Result, error) {
	return c.mutate(ctx, http.MethodPatch, "/api/v1/collections/"+url.PathEscape(collection)+"/records/"+url.PathEscape(id), patch)
}

// Delete removes a record
func (c *Client) Delete(ctx context.Context, collection, id string) (*gateway.Result, error) {
	return c.mutate(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(collection)+"/records/"+url.PathEscape(id), nil)
}

// Watch streams view frames for collection until ctx is done or the
// connection fails. Every frame is handed to fn.
func (c *Client) Watch(ctx context.Context, collection string, q Query, fn func(api.Frame)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/collections/" + url.PathEscape(collection)
	u.RawQuery = url.Values{"access_token": {c.token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open view stream: %w", err)
	}
	defer conn.Close()

	dir := "asc"
	if q.Desc {
		dir = "desc"
	}
	msg := api.StateMessage{
		Type:    api.FrameState,
		Filters: q.Filters,
		Search:  q.Search,
		Sort:    q.Sort,
		Dir:     dir,
		Page:    q.Page,
		Size:    q.Size,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send view state: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var f api.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("view stream closed: %w", err)
		}
		fn(f)
	}
}
