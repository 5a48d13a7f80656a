// Package ingress accepts the real-time event stream of a call over a
// websocket and feeds it to a call controller.
//
// One connection carries one call. The client sends [Message] values and
// receives [Reply] values: the call ID once the call starts, phrases the
// agent must speak, a hangup request and a final call_ended message. A
// closed socket is a forced teardown of the call.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callwatch/internal/callsession"
)

const (
	readLimit    = 64 << 10
	writeTimeout = 5 * time.Second
	outboxSize   = 32
)

// validRoom restricts room names to characters that are safe in call IDs
// and report file names.
var validRoom = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Calls starts call controllers. The returned channel is closed once the
// call has been finalized and persisted.
type Calls interface {
	StartCall(ctx context.Context, room string, events <-chan callsession.Event, handle callsession.Handler) (callID string, done <-chan struct{}, err error)
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// Handler serves GET /api/rooms/{room}/events.
type Handler struct {
	calls   Calls
	log     *slog.Logger
	origins []string
}

// New returns a handler that starts calls through calls.
func New(calls Calls, opts ...Option) *Handler {
	h := &Handler{calls: calls, log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the event route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/rooms/{room}/events", h)
}

// ServeHTTP upgrades the request and runs the call until it ends or the
// client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if !validRoom.MatchString(room) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("websocket accept failed", "room", room, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	s := &stream{conn: conn, out: make(chan Reply, outboxSize), log: h.log.With("room", room)}
	events := make(chan callsession.Event, outboxSize)

	callID, done, err := h.calls.StartCall(ctx, room, events, s.handle)
	if err != nil {
		h.log.Error("start call failed", "room", room, "err", err)
		conn.Close(websocket.StatusTryAgainLater, "call could not be started")
		return
	}
	s.callID = callID
	s.log = s.log.With("call_id", callID)
	s.emit(Reply{Type: ReplyCallStarted, CallID: callID})

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop(ctx)
	}()
	go func() {
		<-done
		s.closeOutbox()
	}()

	s.readLoop(ctx, events, done)
	close(events)
	<-done
	s.closeOutbox()
	<-written
}

// stream is the server side of one call connection.
type stream struct {
	conn   *websocket.Conn
	callID string
	log    *slog.Logger

	mu     sync.Mutex
	out    chan Reply
	closed bool
}

// handle is the controller action handler. It never blocks the controller:
// replies that do not fit the outbox are dropped.
func (s *stream) handle(_ context.Context, a callsession.Action) {
	if r, ok := replyFor(s.callID, a); ok {
		s.emit(r)
	}
}

func (s *stream) emit(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- r:
	default:
		s.log.Warn("outbox full, dropping reply", "type", r.Type)
	}
}

func (s *stream) closeOutbox() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// writeLoop sends replies until the outbox is closed, then closes the
// connection, which also ends readLoop.
func (s *stream) writeLoop(ctx context.Context) {
	for r := range s.out {
		data, err := json.Marshal(r)
		if err != nil {
			s.log.Error("encode reply", "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = s.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.log.Debug("write reply failed", "type", r.Type, "err", err)
		}
	}
	s.conn.Close(websocket.StatusNormalClosure, "call ended")
}

// readLoop forwards client messages to the controller until the connection
// fails or the call is done.
func (s *stream) readLoop(ctx context.Context, events chan<- callsession.Event, done <-chan struct{}) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
				s.log.Debug("client closed connection")
			case errors.Is(err, context.Canceled):
			default:
				s.log.Info("connection lost", "err", err)
			}
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.emit(Reply{Type: ReplyError, CallID: s.callID, Error: "malformed message"})
			continue
		}
		ev, err := m.Event()
		if err != nil {
			s.emit(Reply{Type: ReplyError, CallID: s.callID, Error: err.Error()})
			continue
		}
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}
