package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/coordinator/service"
	"github.com/nemanja-m/gobatch/internal/coordinator/storage"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/task"
)

// mockLogger captures formatted log lines.
type mockLogger struct {
	mu    sync.Mutex
	lines []string
}

func newMockLogger() *mockLogger {
	return &mockLogger{}
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }

func (m *mockLogger) log(level, msg string, args ...any) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, b.String())
}

func (m *mockLogger) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.lines, "\n")
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"created", http.StatusCreated, `{"job_id":"alice.1"}`},
		{"bad request", http.StatusBadRequest, ""},
		{"not found", http.StatusNotFound, ""},
		{"conflict", http.StatusConflict, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newMockLogger()
			handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", nil))

			require.Equal(t, tt.status, w.Code)
			out := logger.output()
			require.Contains(t, out, "HTTP request")
			require.Contains(t, out, "method=POST")
			require.Contains(t, out, "path=/api/jobs")
			require.Contains(t, out, fmt.Sprintf("status=%d", tt.status))
			require.Contains(t, out, fmt.Sprintf("bytes=%d", len(tt.body)))
		})
	}
}

func TestLoggingMiddlewareDefaultsToOK(t *testing.T) {
	logger := newMockLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", w.Body.String())
	require.Contains(t, logger.output(), "status=200")
}

func TestRecoveryMiddlewareRespondsWithJSON(t *testing.T) {
	logger := newMockLogger()
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("ledger exploded")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/alice.1", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	out := logger.output()
	require.Contains(t, out, "[ERROR] Panic recovered")
	require.Contains(t, out, "ledger exploded")
	require.Contains(t, out, "path=/api/jobs/alice.1")
}

func TestRecoveryMiddlewareRepanicsOnAbort(t *testing.T) {
	handler := RecoveryMiddleware(newMockLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	require.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, "req-42", seen)
	require.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestUserMiddleware(t *testing.T) {
	var seen string
	handler := UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(UserHeader, "alice")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "alice", seen)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	require.Empty(t, seen)
}

func TestLimitBodyMiddleware(t *testing.T) {
	handler := LimitBodyMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{}")))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"user":"alice"}`)))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "request body too large", resp.Error)

	// Unknown length bodies are cut off while reading.
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", io.NopCloser(strings.NewReader(`{"user":"alice"}`)))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), tag("first"), tag("second"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestServerSubmitsForHeaderUser(t *testing.T) {
	logger := newMockLogger()
	jobs := service.NewJobService(storage.NewInMemoryTaskStore(), service.JobServiceConfig{
		RootPath:      t.TempDir(),
		LeaseDuration: time.Minute,
	}, logger)
	tasks := task.NewRegistry()
	require.NoError(t, tasks.Register("noop", 1, func() task.Task { return &noopTask{} }))

	srv := NewServer(config.RESTConfig{MaxBodyBytes: 1 << 10}, jobs, tasks, plugin.NewRegistry(), logger)

	body := fmt.Sprintf(`{"task":%s}`, noopEnvelope)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	req.Header.Set(UserHeader, "bob")
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp SubmitJobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	root, err := jobs.GetTask(t.Context(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, "bob", root.User)
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.Contains(t, logger.output(), "user=bob")

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(UserHeader, "carol")
	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list ListJobsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Empty(t, list.Jobs)
}
