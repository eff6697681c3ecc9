package feed

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// stream is a client connection to a Hub, read one SSE message at a time
type stream struct {
	res    *http.Response
	reader *bufio.Reader
}

func connect(t *testing.T, ctx context.Context, url string, lastEventID string) *stream {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("last-event-id", lastEventID)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return &stream{res: res, reader: bufio.NewReader(res.Body)}
}

// newServer serves h until the test is done. Client connections are closed (by their
// own cleanup funcs) before the server, so Close never waits on a streaming handler.
func newServer(t *testing.T, h http.Handler) *httptest.Server {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// next returns the next message, i.e. every line up to the next blank line
func (s *stream) next(t *testing.T) string {
	var lines []string
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return strings.Join(lines, "\n")
		}
		lines = append(lines, line)
	}
}

func Test_Hub(t *testing.T) {
	t.Run("server responds by opening an SSE connection", func(t *testing.T) {
		h := NewHub[coordinate](context.Background())
		srv := newServer(t, h)

		s := connect(t, context.Background(), srv.URL, "")
		assert.Equal(t, http.StatusOK, s.res.StatusCode)
		assert.Equal(t, "text/event-stream", s.res.Header.Get("content-type"))
		assert.Equal(t, "no-cache", s.res.Header.Get("cache-control"))
		assert.Equal(t, ":", s.next(t))
	})
	t.Run("if explict 'accept' is set, it must be 'text/event-stream'", func(t *testing.T) {
		h := NewHub[coordinate](context.Background())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("accept", "application/json")
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)

		assert.Equal(t, http.StatusBadRequest, res.Code)
		assert.Equal(t, 0, h.NumSubscribers())
	})
	t.Run("published values are fanned out to all connected clients", func(t *testing.T) {
		h := NewHub[coordinate](context.Background())
		srv := newServer(t, h)

		// Published with nobody listening: only retained for replay
		h.Publish(coordinate{X: 100, Y: 1})

		ctxA, closeA := context.WithCancel(context.Background())
		defer closeA()
		a := connect(t, ctxA, srv.URL, "")
		assert.Equal(t, ":", a.next(t))
		h.Publish(coordinate{X: 200, Y: 2})
		assert.Equal(t, "id: 2\ndata: {\"x\":200,\"y\":2}", a.next(t))

		b := connect(t, context.Background(), srv.URL, "")
		assert.Equal(t, ":", b.next(t))
		h.Publish(coordinate{X: 300, Y: 3})
		assert.Equal(t, "id: 3\ndata: {\"x\":300,\"y\":3}", a.next(t))
		assert.Equal(t, "id: 3\ndata: {\"x\":300,\"y\":3}", b.next(t))

		closeA()
		require.Eventually(t, func() bool { return h.NumSubscribers() == 1 }, time.Second, time.Millisecond)
		h.Publish(coordinate{X: 400, Y: 4})
		assert.Equal(t, "id: 4\ndata: {\"x\":400,\"y\":4}", b.next(t))
	})
	t.Run("events since Last-Event-ID are replayed on connect", func(t *testing.T) {
		h := NewHub[coordinate](context.Background())
		srv := newServer(t, h)

		h.Publish(coordinate{X: 1, Y: 4})
		h.Publish(coordinate{X: 3, Y: 6})
		h.Publish(coordinate{X: -2, Y: 12})
		h.Publish(coordinate{X: 8, Y: -9})

		s := connect(t, context.Background(), srv.URL, "2")
		assert.Equal(t, "id: 3\ndata: {\"x\":-2,\"y\":12}", s.next(t))
		assert.Equal(t, "id: 4\ndata: {\"x\":8,\"y\":-9}", s.next(t))

		h.Publish(coordinate{X: 1234, Y: 0})
		assert.Equal(t, "id: 5\ndata: {\"x\":1234,\"y\":0}", s.next(t))
	})
	t.Run("history is bounded", func(t *testing.T) {
		h := NewHub[int](context.Background(), WithHistorySize(2))
		for i := 1; i <= 5; i++ {
			h.Publish(i)
		}
		assert.Equal(t, []Event[int]{{ID: 4, Data: 4}, {ID: 5, Data: 5}}, h.Since(0))
		assert.Equal(t, []Event[int]{{ID: 5, Data: 5}}, h.Since(4))
		assert.Empty(t, h.Since(5))
	})
	t.Run("idle clients receive keepalives", func(t *testing.T) {
		h := NewHub[coordinate](context.Background(), WithKeepalive(5*time.Millisecond))
		srv := newServer(t, h)

		s := connect(t, context.Background(), srv.URL, "")
		assert.Equal(t, ":", s.next(t))
		assert.Equal(t, ":", s.next(t))
	})
	t.Run("a non-positive keepalive falls back to the default", func(t *testing.T) {
		h := NewHub[coordinate](context.Background(), WithKeepalive(0))
		assert.Equal(t, DefaultKeepalive, h.keepalive)
		srv := newServer(t, h)

		s := connect(t, context.Background(), srv.URL, "")
		assert.Equal(t, http.StatusOK, s.res.StatusCode)
		assert.Equal(t, ":", s.next(t))
		h.Publish(coordinate{X: 7, Y: 7})
		assert.Equal(t, "id: 1\ndata: {\"x\":7,\"y\":7}", s.next(t))
	})
	t.Run("canceling the hub's context closes all connections", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h := NewHub[coordinate](ctx)
		srv := newServer(t, h)

		s := connect(t, context.Background(), srv.URL, "")
		assert.Equal(t, ":", s.next(t))
		h.Publish(coordinate{X: 222})
		assert.Equal(t, "id: 1\ndata: {\"x\":222,\"y\":0}", s.next(t))

		cancel()
		require.Eventually(t, func() bool { return h.NumSubscribers() == 0 }, time.Second, time.Millisecond)
		h.Publish(coordinate{X: 333})
		_, err := s.reader.ReadString('\n')
		assert.Error(t, err)
	})
}
