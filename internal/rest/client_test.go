package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/util"
)

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*Config)) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL: srv.URL,
		Token:   "secret",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := NewClient(cfg, WithMetrics(observability.NewMetrics("resttest")))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func routeBucket(t *testing.T, c *Client, route string) *ratelimit.RouteBucket {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[route]
	require.True(t, ok, "no bucket for %s", route)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	_, err = NewClient(Config{ShutdownMode: "explode"})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)

	c, err := NewClient(Config{Token: "abc"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "Bot abc", c.token)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestClient_Do_InvalidRequest(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.Do(context.Background(), &Request{Method: "TRACE", Path: "gateway"})
	var verr *util.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
}

func TestClient_Do_SendsHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- r
		bodies <- body
		writeJSON(w, http.StatusOK, map[string]string{"id": "1"})
	}))

	var out struct {
		ID string `json:"id"`
	}
	err := c.DoJSON(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/channels/123/messages",
		Body:   map[string]string{"content": "hi"},
		Reason: "spam cleanup",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "1", out.ID)

	r := <-got
	assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
	assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "spam%20cleanup", r.Header.Get(HeaderAuditLogReason))
	assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
	assert.JSONEq(t, `{"content":"hi"}`, string(<-bodies))
}

func TestClient_Do_NoAuthAndQuery(t *testing.T) {
	t.Parallel()

	got := make(chan *http.Request, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r
		w.WriteHeader(http.StatusNoContent)
	}))

	resp, err := c.Do(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/channels/1/messages",
		Query:  map[string][]string{"limit": {"50"}},
		NoAuth: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	r := <-got
	assert.Empty(t, r.Header.Get("Authorization"))
	assert.Equal(t, "50", r.URL.Query().Get("limit"))
}

func TestClient_Do_Multipart(t *testing.T) {
	t.Parallel()

	type upload struct {
		payload string
		name    string
		data    string
	}
	got := make(chan upload, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var u upload
		if assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			if f, hdr, err := r.FormFile("file"); assert.NoError(t, err) {
				data, _ := io.ReadAll(f)
				u = upload{payload: r.FormValue("payload_json"), name: hdr.Filename, data: string(data)}
			}
		}
		got <- u
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	_, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/channels/1/messages",
		Body:   map[string]string{"content": "see attached"},
		Files:  []File{{Name: "log.txt", Data: []byte("hello")}},
	})
	require.NoError(t, err)

	u := <-got
	assert.JSONEq(t, `{"content":"see attached"}`, u.payload)
	assert.Equal(t, "log.txt", u.name)
	assert.Equal(t, "hello", u.data)
}

func TestClient_Do_SecondCallWaitsForReset(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits []time.Time
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		w.Header().Set(HeaderRateLimitLimit, "1")
		w.Header().Set(HeaderRateLimitRemaining, "0")
		w.Header().Set(HeaderRateLimitResetAfter, "1")
		writeJSON(w, http.StatusOK, []any{})
	}))

	ctx := context.Background()
	start := time.Now()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Do(ctx, get("/channels/123/messages"))
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 2)
	assert.Less(t, hits[0].Sub(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, hits[1].Sub(hits[0]), time.Second)
}

func TestClient_Do_SameRouteNeverOverlaps(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), get("/channels/1/messages"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 1, c.BucketCount())
}

func TestClient_Pending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	assert.Equal(t, 0, c.Pending())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Do(context.Background(), get("/channels/1/messages"))
		}()
	}

	// One call is in flight, the others wait in the bucket.
	require.Eventually(t, func() bool { return c.Pending() == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}

func TestClient_SweepEvictsIdleBuckets(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels/2/messages" {
			w.Header().Set(HeaderRateLimitLimit, "1")
			w.Header().Set(HeaderRateLimitRemaining, "0")
			w.Header().Set(HeaderRateLimitResetAfter, "30")
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	ctx := context.Background()
	_, err := c.Do(ctx, get("/channels/1/messages"))
	require.NoError(t, err)
	_, err = c.Do(ctx, get("/channels/2/messages"))
	require.NoError(t, err)
	require.Equal(t, 2, c.BucketCount())

	// The second route is still inside its reset window.
	require.Eventually(t, func() bool {
		c.sweep(time.Now().Add(time.Second))
		return c.BucketCount() == 1
	}, time.Second, time.Millisecond)
	routeBucket(t, c, "/channels/2/messages")

	c.sweep(time.Now().Add(time.Minute))
	assert.Equal(t, 0, c.BucketCount())

	_, err = c.Do(ctx, get("/channels/1/messages"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.BucketCount())
}

func TestClient_SweepLoop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL}, WithBucketSweepInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Do(context.Background(), get("/gateway"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return c.BucketCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClient_Do_GlobalRateLimitBlocksAllRoutes(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		limited  time.Time
		otherHit time.Time
		aHits    int
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/channels/1/messages":
			aHits++
			if aHits == 1 {
				limited = time.Now()
				w.Header().Set(HeaderRateLimitGlobal, "true")
				w.Header().Set(HeaderRetryAfter, "1")
				writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
					Message: "You are being rate limited.", RetryAfter: 0.5, Global: true,
				})
				return
			}
		case "/channels/2/messages":
			otherHit = time.Now()
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	ctx := context.Background()
	aErr := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, get("/channels/1/messages"))
		aErr <- err
	}()

	require.Eventually(t, func() bool {
		return !c.GlobalBlockedUntil().IsZero()
	}, time.Second, time.Millisecond)

	_, err := c.Do(ctx, get("/channels/2/messages"))
	require.NoError(t, err)
	require.NoError(t, <-aErr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, aHits)
	assert.GreaterOrEqual(t, otherHit.Sub(limited), 500*time.Millisecond)
}

func TestClient_Do_GlobalBlockHoldsPacedCall(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		limited  time.Time
		otherHit time.Time
		aHits    atomic.Int32
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/1/messages":
			if aHits.Add(1) == 1 {
				time.Sleep(150 * time.Millisecond)
				mu.Lock()
				limited = time.Now()
				mu.Unlock()
				w.Header().Set(HeaderRateLimitGlobal, "true")
				w.Header().Set(HeaderRetryAfter, "2")
				writeJSON(w, http.StatusTooManyRequests, rateLimitBody{
					Message: "You are being rate limited.", RetryAfter: 2, Global: true,
				})
				return
			}
		case "/channels/2/messages":
			mu.Lock()
			otherHit = time.Now()
			mu.Unlock()
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}), func(cfg *Config) {
		cfg.GlobalRequestsPerSecond = 1
	})

	ctx := context.Background()
	aErr := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, get("/channels/1/messages"))
		aErr <- err
	}()

	// The second route waits for a pacing token while the first one is
	// still in flight, then the global block lands.
	time.Sleep(30 * time.Millisecond)
	_, err := c.Do(ctx, get("/channels/2/messages"))
	require.NoError(t, err)
	require.NoError(t, <-aErr)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, limited.IsZero())
	assert.GreaterOrEqual(t, otherHit.Sub(limited), 1900*time.Millisecond)
}

func TestClient_Do_ReactionResetShortened(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits []time.Time
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()
		date := time.Now().Truncate(time.Second)
		w.Header().Set("Date", date.UTC().Format(http.TimeFormat))
		w.Header().Set(HeaderRateLimitLimit, "1")
		w.Header().Set(HeaderRateLimitRemaining, "0")
		w.Header().Set(HeaderRateLimitResetAfter, "1")
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(date.Unix()+1, 10))
		w.WriteHeader(http.StatusNoContent)
	}))

	path := "/channels/1/messages/2/reactions/%F0%9F%91%8D/@me"
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Do(context.Background(), &Request{Method: http.MethodPut, Path: path})
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hits, 2)
	gap := hits[1].Sub(hits[0])
	assert.GreaterOrEqual(t, gap, 240*time.Millisecond)
	assert.Less(t, gap, 800*time.Millisecond)
}

func TestClient_Do_RouteRateLimitRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set(HeaderRateLimitLimit, "5")
			w.Header().Set(HeaderRateLimitRemaining, "0")
			w.Header().Set(HeaderRateLimitResetAfter, "0.2")
			writeJSON(w, http.StatusTooManyRequests, rateLimitBody{RetryAfter: 0.2})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	start := time.Now()
	_, err := c.Do(context.Background(), get("/guilds/1/members"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, c.GlobalBlockedUntil().IsZero())
}

func TestClient_Do_RateLimitRetriesExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusTooManyRequests, rateLimitBody{RetryAfter: 0.01})
	}), func(cfg *Config) {
		cfg.MaxRateLimitRetries = 1
	})

	_, err := c.Do(context.Background(), get("/guilds/1/members"))
	var rlErr *util.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.ErrorIs(t, err, util.ErrRateLimited)
	assert.Equal(t, 2, rlErr.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_Do_RateLimitWaitTooLong(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, rateLimitBody{RetryAfter: 60})
	}), func(cfg *Config) {
		cfg.MaxRateLimitWait = time.Second
	})

	_, err := c.Do(context.Background(), get("/guilds/1/members"))
	assert.ErrorIs(t, err, util.ErrRateLimited)
}

func TestClient_Do_ServerErrorRetriedOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	_, err := c.Do(context.Background(), get("/gateway"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_Do_ServerErrorSurfacedAfterRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "boom", "code": 0})
	}))

	_, err := c.Do(context.Background(), get("/gateway"))
	var srvErr *util.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusInternalServerError, srvErr.StatusCode)
	assert.Equal(t, "boom", srvErr.Message)
	assert.True(t, util.IsRetryable(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_Do_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusForbidden, map[string]any{"code": 50013, "message": "Missing Permissions"})
	}))

	_, err := c.Do(context.Background(), &Request{Method: http.MethodDelete, Path: "/channels/1"})
	var httpErr *util.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.ErrorIs(t, err, util.ErrHTTP)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, 50013, httpErr.Code)
	assert.Equal(t, "Missing Permissions", httpErr.Message)
	assert.Equal(t, "/channels/1", httpErr.Route)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_Do_TimeoutIsConnectionError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}), func(cfg *Config) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})

	_, err := c.Do(context.Background(), get("/gateway"))
	assert.ErrorIs(t, err, util.ErrConnection)
	assert.ErrorIs(t, err, util.ErrTimeout)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_Do_ContextCanceled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimitLimit, "1")
		w.Header().Set(HeaderRateLimitRemaining, "0")
		w.Header().Set(HeaderRateLimitResetAfter, "10")
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	_, err := c.Do(context.Background(), get("/channels/9/messages"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, get("/channels/9/messages"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Do_MissingHeadersLimitsWrites(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	}))

	_, err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/channels/1/typing"})
	require.NoError(t, err)

	b := routeBucket(t, c, "/channels/1/typing")
	limit, _, _ := b.Limits()
	assert.Equal(t, 1, limit)
}

func TestClient_Do_CircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), func(cfg *Config) {
		cfg.CircuitBreaker = CircuitBreakerConfig{Enabled: true, Threshold: 1, Timeout: time.Minute}
	})

	_, err := c.Do(context.Background(), get("/gateway"))
	assert.ErrorIs(t, err, util.ErrCircuitOpen)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	for _, mode := range []ShutdownMode{ShutdownDrain, ShutdownDiscard} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set(HeaderRateLimitLimit, "1")
				w.Header().Set(HeaderRateLimitRemaining, "0")
				w.Header().Set(HeaderRateLimitResetAfter, "30")
				writeJSON(w, http.StatusOK, map[string]string{})
			}), func(cfg *Config) {
				cfg.ShutdownMode = mode
			})

			ctx := context.Background()
			_, err := c.Do(ctx, get("/channels/5/messages"))
			require.NoError(t, err)

			errs := make(chan error, 2)
			for i := 0; i < 2; i++ {
				go func() {
					_, err := c.Do(ctx, get("/channels/5/messages"))
					errs <- err
				}()
			}
			b := routeBucket(t, c, "/channels/5/messages")
			require.Eventually(t, func() bool { return b.Len() == 2 }, time.Second, time.Millisecond)

			c.Close()

			for i := 0; i < 2; i++ {
				select {
				case err := <-errs:
					assert.True(t, errors.Is(err, util.ErrShutdown), "got %v", err)
				case <-time.After(time.Second):
					t.Fatal("queued call was not released by Close")
				}
			}

			_, err = c.Do(ctx, get("/channels/6/messages"))
			assert.ErrorIs(t, err, util.ErrShutdown)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestClient_GetGatewayBot(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"url":    "wss://gateway.example",
			"shards": 4,
			"session_start_limit": map[string]int{
				"total": 1000, "remaining": 998, "reset_after": 60000, "max_concurrency": 0,
			},
		})
	}))

	gb, err := c.GetGatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", gb.URL)
	assert.Equal(t, 4, gb.Shards)
	assert.Equal(t, 998, gb.SessionStartLimit.Remaining)
	assert.Equal(t, time.Minute, gb.SessionStartLimit.ResetIn())
	assert.Equal(t, 1, gb.SessionStartLimit.MaxConcurrency)
}
