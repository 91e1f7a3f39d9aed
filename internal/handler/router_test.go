package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/todosync/internal/auth"
	"github.com/hitoshi/todosync/internal/metrics"
	"github.com/hitoshi/todosync/internal/middleware"
)

// mockHealthChecker はHealthCheckerのモック。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

func newMinimalRouter(deps RouterDeps) http.Handler {
	if deps.SessionFinder == nil {
		deps.SessionFinder = staticSessions{}
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}
	deps.AuthService = &mockAuthService{}
	deps.StateCodec = auth.NewStateCodec("s")
	deps.TaskService = &mockTaskService{}
	deps.Streamer = &stubStreamer{}
	deps.UserService = &mockUserService{}
	return NewRouter(&deps)
}

// TestHealthEndpoint_OK はDB疎通時に200を返すことを検証する。
func TestHealthEndpoint_OK(t *testing.T) {
	router := newMinimalRouter(RouterDeps{HealthChecker: &mockHealthChecker{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// TestHealthEndpoint_DBDown はDB疎通失敗時に503を返すことを検証する。
func TestHealthEndpoint_DBDown(t *testing.T) {
	router := newMinimalRouter(RouterDeps{HealthChecker: &mockHealthChecker{err: errors.New("refused")}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// TestMetricsEndpoint_ExposesCollector はメトリクスが/metricsで公開され、リクエストが計測されることを検証する。
func TestMetricsEndpoint_ExposesCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	router := newMinimalRouter(RouterDeps{
		Metrics:         collector,
		MetricsGatherer: reg,
	})

	// 計測対象のリクエスト
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "todosync_http_status_total") {
		t.Error("metrics should include todosync_http_status_total")
	}
}

// TestMetricsEndpoint_DisabledWithoutGatherer はGatherer未設定時に/metricsを公開しないことを検証する。
func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	router := newMinimalRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestUnknownRoute_Returns404Or405 は未定義ルートへのアクセスを検証する。
func TestUnknownRoute_Returns404Or405(t *testing.T) {
	router := newMinimalRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodPut, "/auth/me", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", w.Code)
	}
}

// TestCORSPreflight_AllowsCSRFHeader はプリフライトでCSRFヘッダーが許可されることを検証する。
func TestCORSPreflight_AllowsCSRFHeader(t *testing.T) {
	router := newMinimalRouter(RouterDeps{CORSAllowedOrigin: "http://localhost:3000"})

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-CSRF-Token") {
		t.Errorf("Access-Control-Allow-Headers = %q, want X-CSRF-Token", got)
	}
}
