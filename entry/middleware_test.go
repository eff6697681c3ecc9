package entry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Middleware(t *testing.T) {
	t.Run("request ID and logger are made available to the handler", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))

		var gotRequestId string
		h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestId = RequestId(r.Context())
			Log(r).Info("Inside handler")
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/categories", nil)
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)

		assert.Equal(t, http.StatusNoContent, res.Code)
		assert.NotEmpty(t, gotRequestId)
		assert.Equal(t, gotRequestId, res.Header().Get("x-request-id"))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		var inside, finished map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &inside))
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &finished))
		assert.Equal(t, "Inside handler", inside["msg"])
		assert.Equal(t, gotRequestId, inside["requestId"])
		assert.Equal(t, "/api/categories", inside["path"])
		assert.Equal(t, "Request finished", finished["msg"])
		assert.Equal(t, float64(http.StatusNoContent), finished["status"])
		assert.Equal(t, "INFO", finished["level"])
	})
	t.Run("an incoming request ID is preserved", func(t *testing.T) {
		h := Middleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("x-request-id", "abc-123")
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		assert.Equal(t, "abc-123", res.Header().Get("x-request-id"))
	})
	t.Run("server errors are logged at error level", func(t *testing.T) {
		var buf bytes.Buffer
		h := Middleware(slog.New(slog.NewJSONHandler(&buf, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "oops", http.StatusInternalServerError)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Contains(t, buf.String(), `"level":"ERROR"`)
	})
	t.Run("streaming handlers can flush through the recorder", func(t *testing.T) {
		h := Middleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(":\n\n"))
			assert.NoError(t, http.NewResponseController(w).Flush())
		}))
		res := httptest.NewRecorder()
		h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.True(t, res.Flushed)
	})
}

func Test_Logger(t *testing.T) {
	assert.Equal(t, slog.Default(), Logger(context.Background()))
	assert.Empty(t, RequestId(context.Background()))
}

func Test_ParseLevel(t *testing.T) {
	tests := []struct {
		s    string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.s))
		})
	}
}
