package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type readyFlag struct{ ready atomic.Bool }

func (r *readyFlag) Ready() bool { return r.ready.Load() }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func serve(c *Checker, path string) *httptest.ResponseRecorder {
	engine := gin.New()
	c.RegisterRoutes(engine)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{name: "no checks", want: StatusHealthy},
		{
			name:   "healthy",
			checks: map[string]CheckFunc{"redis": PingCheck(pinger{}, StatusUnhealthy)},
			want:   StatusHealthy,
		},
		{
			name: "unhealthy wins",
			checks: map[string]CheckFunc{
				"redis":  PingCheck(pinger{err: errors.New("down")}, StatusDegraded),
				"shards": ReadyCheck(&readyFlag{}),
			},
			want: StatusUnhealthy,
		},
		{
			name: "degraded only",
			checks: map[string]CheckFunc{
				"redis":  PingCheck(pinger{err: errors.New("down")}, StatusDegraded),
				"queued": ThresholdCheck("queued", func() float64 { return 1 }, 5),
			},
			want: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("v1")
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			report := c.Readiness(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
			assert.Equal(t, "v1", report.Version)
		})
	}
}

func TestChecker_RegisterUnregister(t *testing.T) {
	t.Parallel()

	c := NewChecker("")
	c.Register("b", ReadyCheck(&readyFlag{}))
	c.Register("a", ReadyCheck(&readyFlag{}))
	assert.Equal(t, []string{"a", "b"}, c.Names())

	c.Unregister("b")
	assert.Equal(t, []string{"a"}, c.Names())
}

func TestChecker_Timeout(t *testing.T) {
	t.Parallel()

	c := NewChecker("", WithTimeout(20*time.Millisecond))
	c.Register("slow", func(ctx context.Context) Result {
		<-ctx.Done()
		return Result{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	})

	start := time.Now()
	report := c.Readiness(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Message)
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("avacord", reg)
	flag := &readyFlag{}
	c := NewChecker("v1", WithMetrics(metrics))
	c.Register("shards", ReadyCheck(flag))

	rec := serve(c, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(c, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "not every shard is ready", report.Checks["shards"].Message)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.checkStatus.WithLabelValues("shards")))

	flag.ready.Store(true)
	rec = serve(c, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.checkStatus.WithLabelValues("shards")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evaluations.WithLabelValues("liveness", "healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evaluations.WithLabelValues("readiness", "unhealthy")))
}
