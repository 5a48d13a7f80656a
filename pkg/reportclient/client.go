// Package reportclient retrieves call reports from a callwatch server.
//
// A client that was connected to a room only knows the room name. Reports
// are keyed by a call id that extends the room name with a start time and a
// random suffix, and they are written a moment after the call ends. [Client.Await]
// covers both: it polls the search endpoint with exponential backoff until a
// matching call appears, then fetches the merged document.
package reportclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound means the server has no matching report yet.
	ErrNotFound = errors.New("reportclient: not found")

	// ErrGaveUp is returned by [Client.Await] when the retry budget is spent.
	ErrGaveUp = errors.New("reportclient: gave up waiting for report")
)

// Backoff bounds the polling of [Client.Await].
type Backoff struct {
	// Attempts is the maximum number of search attempts. Default: 10.
	Attempts int

	// Initial is the delay after the first miss. Default: 500ms.
	Initial time.Duration

	// Max caps the delay. Default: 5s.
	Max time.Duration

	// Multiplier grows the delay after each miss. Default: 2.
	Multiplier float64
}

// DefaultBackoff is used for zero fields of a configured [Backoff].
var DefaultBackoff = Backoff{Attempts: 10, Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	return b
}

// Document is the merged report of one call. Metrics and Evaluation hold the
// raw JSON documents; either may be absent while the server is still
// writing.
type Document struct {
	CallID     string          `json:"call_id"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	Evaluation json.RawMessage `json:"evaluation,omitempty"`
}

// Complete reports whether both halves of the report are present.
func (d *Document) Complete() bool {
	return present(d.Metrics) && present(d.Evaluation)
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff sets the polling policy of [Client.Await].
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client talks to the retrieval API. It is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	backoff Backoff
	log     *slog.Logger
}

// New returns a client for the server at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		backoff: DefaultBackoff,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// statusError is a non-2xx response other than a miss.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("reportclient: server returned %d: %s", e.code, e.body)
}

// Search returns the id of the newest call whose id starts with prefix, or
// [ErrNotFound].
func (c *Client) Search(ctx context.Context, prefix string) (string, error) {
	var res struct {
		CallID string `json:"call_id"`
		Found  bool   `json:"found"`
	}
	if err := c.getJSON(ctx, "/api/calls/search?prefix="+url.QueryEscape(prefix), &res); err != nil {
		return "", err
	}
	if !res.Found || res.CallID == "" {
		return "", ErrNotFound
	}
	return res.CallID, nil
}

// Get fetches the merged document of a call, or [ErrNotFound].
func (c *Client) Get(ctx context.Context, callID string) (*Document, error) {
	var doc Document
	if err := c.getJSON(ctx, "/api/calls/"+url.PathEscape(callID), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Await polls for the report of the most recent call in room and returns it.
// Only call ids of the form room_<start>_<suffix> match, so a room named
// "alice" never picks up a call from "alice-b". A document that lacks its
// metrics or evaluation counts as a miss. Misses, transport errors and 5xx
// responses are retried; other failures return at once. When the budget is exhausted the error wraps [ErrGaveUp]
// and the last failure.
func (c *Client) Await(ctx context.Context, room string) (*Document, error) {
	b := c.backoff
	delay := b.Initial
	var last error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		doc, err := c.fetchRoom(ctx, room)
		if err == nil {
			c.log.Debug("report found", "room", room, "call_id", doc.CallID, "attempt", attempt)
			return doc, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}
		last = err
		if attempt == b.Attempts {
			break
		}
		c.log.Debug("report not ready", "room", room, "attempt", attempt, "retry_in", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("reportclient: await %s: %w", room, ctx.Err())
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}
	return nil, fmt.Errorf("%w: room %s after %d attempts: %w", ErrGaveUp, room, b.Attempts, last)
}

// RoomPrefix is the call id prefix shared by every call in room.
func RoomPrefix(room string) string {
	return room + "_"
}

func (c *Client) fetchRoom(ctx context.Context, room string) (*Document, error) {
	id, err := c.Search(ctx, RoomPrefix(room))
	if err != nil {
		return nil, err
	}
	doc, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.Complete() {
		return nil, fmt.Errorf("%w: report %s is incomplete", ErrNotFound, id)
	}
	return doc, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("reportclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reportclient: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("reportclient: decode response: %w", err)
	}
	return nil
}
