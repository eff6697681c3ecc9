package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golden-vcr/micro-catalog/entry"
)

const (
	DefaultHistorySize = 256
	DefaultKeepalive   = 30 * time.Second

	// subscriberBuffer is the number of events that may be pending for a single client
	// before it's considered too slow and disconnected
	subscriberBuffer = 32
)

// Event is a single value published to a Hub, tagged with a sequence number that's
// used as its SSE event ID
type Event[T any] struct {
	ID   uint64
	Data T
}

// Hub fans out published values to every connected HTTP client as a stream of
// Server-Sent Events. A bounded history of recent events is retained so that a client
// which reconnects with a Last-Event-ID header is caught up on what it missed.
type Hub[T any] struct {
	ctx         context.Context
	historySize int
	keepalive   time.Duration

	mu          sync.Mutex
	closed      bool
	seq         uint64
	history     []Event[T]
	subscribers map[chan Event[T]]struct{}
}

// Option configures a Hub
type Option func(*options)

type options struct {
	historySize int
	keepalive   time.Duration
}

// WithHistorySize sets the number of recent events retained for replay
func WithHistorySize(n int) Option {
	return func(o *options) {
		o.historySize = n
	}
}

// WithKeepalive sets the interval at which comment lines are sent to idle clients; a
// non-positive interval leaves the default in place
func WithKeepalive(d time.Duration) Option {
	return func(o *options) {
		o.keepalive = d
	}
}

// NewHub initializes a Hub. When ctx is canceled, all open connections are closed and
// further calls to Publish are ignored.
func NewHub[T any](ctx context.Context, opts ...Option) *Hub[T] {
	o := options{
		historySize: DefaultHistorySize,
		keepalive:   DefaultKeepalive,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keepalive <= 0 {
		o.keepalive = DefaultKeepalive
	}
	h := &Hub[T]{
		ctx:         ctx,
		historySize: o.historySize,
		keepalive:   o.keepalive,
		subscribers: make(map[chan Event[T]]struct{}),
	}
	go func() {
		<-ctx.Done()
		h.close()
	}()
	return h
}

// Publish assigns the next sequence number to v and sends it to all connected clients.
// A client that has fallen too far behind is disconnected rather than blocking the
// publisher; it can resume from its Last-Event-ID.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.seq++
	ev := Event[T]{ID: h.seq, Data: v}
	if h.historySize > 0 {
		h.history = append(h.history, ev)
		if len(h.history) > h.historySize {
			h.history = h.history[len(h.history)-h.historySize:]
		}
	}

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Since returns every retained event with an ID greater than lastID
func (h *Hub[T]) Since(lastID uint64) []Event[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.since(lastID)
}

func (h *Hub[T]) since(lastID uint64) []Event[T] {
	result := make([]Event[T], 0)
	for _, ev := range h.history {
		if ev.ID > lastID {
			result = append(result, ev)
		}
	}
	return result
}

// NumSubscribers returns the number of clients currently connected
func (h *Hub[T]) NumSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// subscribe registers a new client, atomically collecting the backlog it should be sent
// first so that no event falls between the replay and the live stream
func (h *Hub[T]) subscribe(lastEventID string) ([]Event[T], chan Event[T], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}

	var backlog []Event[T]
	if lastEventID != "" {
		if lastID, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
			backlog = h.since(lastID)
		}
	}
	ch := make(chan Event[T], subscriberBuffer)
	h.subscribers[ch] = struct{}{}
	return backlog, ch, true
}

func (h *Hub[T]) unsubscribe(ch chan Event[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

func (h *Hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// ServeHTTP responds by opening a long-lived HTTP connection to which events will be
// written as they're published, formatted as text/event-stream messages with 'data'
// consisting of a JSON-encoded payload
func (h *Hub[T]) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	logger := entry.Log(req)

	// If a content-type is explicitly requested, require that it's text/event-stream
	accept := req.Header.Get("accept")
	if accept != "" && accept != "*/*" && !strings.HasPrefix(accept, "text/event-stream") {
		message := fmt.Sprintf("content-type %s is not supported", accept)
		http.Error(res, message, http.StatusBadRequest)
		return
	}

	backlog, ch, ok := h.subscribe(req.Header.Get("last-event-id"))
	if !ok {
		http.Error(res, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(ch)

	// Keep the connection alive and open a text/event-stream response body
	rc := http.NewResponseController(res)
	res.Header().Set("content-type", "text/event-stream")
	res.Header().Set("cache-control", "no-cache")
	res.Header().Set("connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	// Catch the client up on anything it missed; otherwise send an initial keepalive so
	// that proxies start streaming immediately
	if len(backlog) > 0 {
		write(res, logger, backlog...)
	} else {
		res.Write([]byte(":\n\n"))
	}
	rc.Flush()

	logger.Info("Opened SSE connection", "replayed", len(backlog))
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res.Write([]byte(":\n\n"))
			rc.Flush()
		case ev, ok := <-ch:
			if !ok {
				logger.Info("SSE connection closed by server")
				return
			}
			write(res, logger, ev)
			rc.Flush()
		case <-h.ctx.Done():
			logger.Info("Server is shutting down; abandoning SSE connection")
			return
		case <-req.Context().Done():
			logger.Info("Closed SSE connection")
			return
		}
	}
}

func write[T any](res http.ResponseWriter, logger *slog.Logger, events ...Event[T]) {
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			logger.Error("Failed to serialize SSE message as JSON", "error", err)
			continue
		}
		fmt.Fprintf(res, "id: %d\ndata: %s\n\n", ev.ID, data)
	}
}
