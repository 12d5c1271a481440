package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollectors() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests_total"}, []string{"method", "endpoint", "status_code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_request_duration_seconds"}, []string{"method", "endpoint"})
	return total, duration
}

func TestHTTPMetricsMiddleware_RouteTemplateLabel(t *testing.T) {
	total, duration := newCollectors()

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(total, duration))
	router.HandleFunc("/api/vm/info/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, name := range []string{"web", "db", "cache"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vm/info/"+name, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(total.WithLabelValues("GET", "/api/vm/info/{name}", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(duration))
}

func TestHTTPMetricsMiddleware_KeepsRequestID(t *testing.T) {
	total, duration := newCollectors()
	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(total, duration))
	router.HandleFunc("/health", func(http.ResponseWriter, *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, 1.0, testutil.ToFloat64(total.WithLabelValues("GET", "/health", "200")))
}

func TestHTTPMetricsMiddleware_WebsocketUpgrade(t *testing.T) {
	total, duration := newCollectors()
	upgrader := websocket.Upgrader{}

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(total, duration))
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("hi"))
		conn.Close()
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(total.WithLabelValues("GET", "/ws", "101")) == 1
	}, time.Second, 10*time.Millisecond)
}
