// Package rest implements the rate-limited request dispatcher for the
// platform's HTTP API.
//
// Every call is resolved to a route key and queued on that route's
// sequential bucket. A shared global block stalls all buckets after a global
// 429, and a local pacing bucket keeps the process under the global request
// rate before the server has to enforce it.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avacord/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/retry"
	"github.com/vyrodovalexey/avacord/internal/util"
)

// Defaults.
const (
	DefaultBaseURL                 = "https://discord.com/api/v10"
	DefaultUserAgent               = "DiscordBot (https://github.com/vyrodovalexey/avacord, 0.1.0)"
	DefaultRequestTimeout          = 15 * time.Second
	DefaultGlobalRequestsPerSecond = 50

	// serverRetryBackoff is the base delay before the single 5xx retry.
	serverRetryBackoff = 100 * time.Millisecond
	serverRetryMax     = 2 * time.Second

	// DefaultBucketSweepInterval is how often idle route buckets are evicted.
	DefaultBucketSweepInterval = time.Minute
)

// ShutdownMode selects what Close does with queued calls.
type ShutdownMode string

const (
	// ShutdownDrain rejects every queued call with util.ErrShutdown.
	ShutdownDrain ShutdownMode = "drain"

	// ShutdownDiscard drops queued calls. Their callers return util.ErrShutdown.
	ShutdownDiscard ShutdownMode = "discard"
)

// Config holds client settings.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string

	RequestTimeout time.Duration

	// GlobalRequestsPerSecond paces all calls of this client. Zero uses the
	// default, a negative value disables local pacing.
	GlobalRequestsPerSecond int

	// MaxRateLimitRetries bounds how often one call is retried after a 429.
	// Zero means unbounded.
	MaxRateLimitRetries int

	// MaxRateLimitWait fails a call whose 429 asks for a longer wait. Zero
	// means unbounded.
	MaxRateLimitWait time.Duration

	ShutdownMode ShutdownMode

	// CircuitBreaker guards network I/O when Enabled.
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig configures the optional breaker.
type CircuitBreakerConfig struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration
}

// Client is the request dispatcher. It owns the route bucket map and the
// global block; both live exactly as long as the client.
type Client struct {
	baseURL        string
	token          string
	userAgent      string
	requestTimeout time.Duration
	sweepInterval  time.Duration
	maxRLRetries   int
	maxRLWait      time.Duration
	shutdownMode   ShutdownMode

	httpClient *http.Client
	latency    *ratelimit.LatencyTracker
	global     *ratelimit.PacingBucket
	breaker    *circuitbreaker.CircuitBreaker
	retryOn    retry.RetryCondition
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	// globalUntil is the unix nano deadline of a global 429 block.
	globalUntil atomic.Int64

	mu      sync.Mutex
	buckets map[string]*ratelimit.RouteBucket
	closed  bool

	// done is closed by Close.
	done chan struct{}
	// discarded is closed by Close in discard mode.
	discarded chan struct{}
}

// Option is a functional option for the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLatencyTracker shares a latency tracker with the client.
func WithLatencyTracker(t *ratelimit.LatencyTracker) Option {
	return func(c *Client) {
		c.latency = t
	}
}

// WithBucketSweepInterval sets how often idle route buckets are evicted.
// A non-positive interval disables eviction.
func WithBucketSweepInterval(d time.Duration) Option {
	return func(c *Client) {
		c.sweepInterval = d
	}
}

// NewClient creates a new REST client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if err := util.ValidateURL(cfg.BaseURL, "http", "https"); err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ShutdownMode == "" {
		cfg.ShutdownMode = ShutdownDrain
	}
	if cfg.ShutdownMode != ShutdownDrain && cfg.ShutdownMode != ShutdownDiscard {
		return nil, util.NewConfigError("rest.shutdown", fmt.Sprintf("unknown shutdown mode %q", cfg.ShutdownMode))
	}

	c := &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		token:          authorization(cfg.Token),
		userAgent:      cfg.UserAgent,
		requestTimeout: cfg.RequestTimeout,
		sweepInterval:  DefaultBucketSweepInterval,
		maxRLRetries:   cfg.MaxRateLimitRetries,
		maxRLWait:      cfg.MaxRateLimitWait,
		shutdownMode:   cfg.ShutdownMode,
		retryOn:        retry.TransientFailures(),
		logger:         observability.NopLogger(),
		buckets:        make(map[string]*ratelimit.RouteBucket),
		done:           make(chan struct{}),
		discarded:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(observability.Component("rest"))
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.latency == nil {
		c.latency = ratelimit.NewLatencyTracker(
			ratelimit.WithLatencyLogger(c.logger),
			ratelimit.WithLatencyMetrics(c.metrics),
		)
	}

	rps := cfg.GlobalRequestsPerSecond
	if rps == 0 {
		rps = DefaultGlobalRequestsPerSecond
	}
	if rps > 0 {
		c.global = ratelimit.NewPacingBucket(rps, time.Second,
			ratelimit.WithPacingName("rest-global"),
			ratelimit.WithLatencyTracker(c.latency),
			ratelimit.WithPacingLogger(c.logger),
			ratelimit.WithPacingMetrics(c.metrics),
		)
	}

	if cfg.CircuitBreaker.Enabled {
		c.breaker = circuitbreaker.New("rest", circuitbreaker.Config{
			Threshold: cfg.CircuitBreaker.Threshold,
			Timeout:   cfg.CircuitBreaker.Timeout,
		}, circuitbreaker.WithLogger(c.logger), circuitbreaker.WithMetrics(c.metrics))
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop()
	}

	return c, nil
}

func authorization(token string) string {
	if token == "" || strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

// Latency returns the tracker shared by the client's buckets.
func (c *Client) Latency() *ratelimit.LatencyTracker {
	return c.latency
}

// Do queues req on its route bucket and waits for the outcome. Non-2xx
// responses are returned as errors: *util.HTTPError for 4xx,
// *util.ServerError for 5xx that failed their retry and
// *util.RateLimitError when configured 429 limits are exceeded.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cl := &call{
		client: c,
		ctx:    ctx,
		req:    req,
		route:  RouteKey(req.Method, req.Path, c.latency.ServerNow().Add(-c.latency.Latency())),
		id:     uuid.NewString(),
		result: make(chan callResult, 1),
	}
	if err := c.enqueue(cl); err != nil {
		return nil, err
	}

	select {
	case res := <-cl.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.discarded:
		return nil, util.ErrShutdown
	}
}

// DoJSON performs req and decodes the response body into out.
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// enqueue queues cl on its route's bucket, creating the bucket on first use.
// The lookup and the queueing share c.mu so the sweeper cannot evict the
// bucket in between.
func (c *Client) enqueue(cl *call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return util.ErrShutdown
	}
	b, ok := c.buckets[cl.route]
	if !ok {
		b = ratelimit.NewRouteBucket(cl.route, c.latency, c.metrics)
		c.buckets[cl.route] = b
	}
	cl.bucket = b
	b.Queue(cl.run, false)
	return nil
}

func (c *Client) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep evicts buckets with nothing queued or in flight whose reset has
// passed. A later call on the route starts from a fresh bucket.
func (c *Client) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	evicted := 0
	for route, b := range c.buckets {
		if b.Idle(now) {
			b.Close()
			delete(c.buckets, route)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Debug("evicted idle route buckets",
			observability.Int("evicted", evicted),
			observability.Int("remaining", len(c.buckets)),
		)
	}
}

// BucketCount returns the number of known route buckets.
func (c *Client) BucketCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// Pending returns the number of calls waiting in route buckets.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.buckets {
		n += b.Len()
	}
	return n
}

// GlobalBlockedUntil returns the end of the current global block, or the zero
// time when no block is active.
func (c *Client) GlobalBlockedUntil() time.Time {
	until := c.globalUntil.Load()
	if until == 0 || time.Now().UnixNano() >= until {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// blockGlobal stalls every bucket until now+d. A later deadline wins.
func (c *Client) blockGlobal(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	until := time.Now().Add(d).UnixNano()
	for {
		cur := c.globalUntil.Load()
		if cur >= until || c.globalUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

// waitGlobal blocks while a global 429 block is active.
func (c *Client) waitGlobal(ctx context.Context) error {
	for {
		wait := time.Until(time.Unix(0, c.globalUntil.Load()))
		if wait <= 0 {
			return nil
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// sleep waits for d unless ctx ends or the client closes.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return util.ErrShutdown
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the client. Calls in flight finish; queued calls are rejected
// or dropped according to the shutdown mode. No further network I/O is
// started.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	buckets := c.buckets
	c.mu.Unlock()

	if c.shutdownMode == ShutdownDiscard {
		close(c.discarded)
	}

	dropped := 0
	for _, b := range buckets {
		pending := b.Close()
		dropped += len(pending)
		if c.shutdownMode == ShutdownDrain {
			for _, run := range pending {
				run(func() {})
			}
		}
	}
	if c.global != nil {
		dropped += c.global.Close()
	}

	c.logger.Info("rest client closed",
		observability.String("mode", string(c.shutdownMode)),
		observability.Int("pending", dropped),
	)
}

type callResult struct {
	resp *Response
	err  error
}

// call is one queued request. Its fields are only touched by the bucket
// goroutine currently running it.
type call struct {
	client *Client
	ctx    context.Context
	req    *Request
	route  string
	bucket *ratelimit.RouteBucket
	id     string
	result chan callResult

	serverRetries    int
	rateLimitRetries int
	delay            time.Duration
}

func (cl *call) finish(resp *Response, err error) {
	select {
	case cl.result <- callResult{resp: resp, err: err}:
	default:
	}
}

// requeue puts the call back at the head of its bucket.
func (cl *call) requeue() {
	cl.bucket.Queue(cl.run, true)
}

// run executes the call on its bucket and releases the bucket via done.
func (cl *call) run(done func()) {
	c := cl.client
	if c.isClosed() {
		cl.finish(nil, util.ErrShutdown)
		done()
		return
	}
	if err := cl.ctx.Err(); err != nil {
		cl.finish(nil, err)
		done()
		return
	}

	if cl.delay > 0 {
		delay := cl.delay
		cl.delay = 0
		if err := c.sleep(cl.ctx, delay); err != nil {
			cl.finish(nil, err)
			done()
			return
		}
	}
	if c.global != nil {
		if err := c.global.Wait(cl.ctx, false); err != nil {
			cl.finish(nil, err)
			done()
			return
		}
	}
	// A global block raised while pacing must still hold this call.
	if err := c.waitGlobal(cl.ctx); err != nil {
		cl.finish(nil, err)
		done()
		return
	}
	if c.isClosed() {
		cl.finish(nil, util.ErrShutdown)
		done()
		return
	}

	resp, err := c.execute(cl)
	if err != nil {
		if cl.serverRetries == 0 && c.retryOn.ShouldRetry(err, 0) && cl.ctx.Err() == nil {
			cl.retryAfterFailure(err, 0)
			done()
			return
		}
		cl.finish(nil, err)
		done()
		return
	}

	c.updateBucket(cl, resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if err := cl.onRateLimited(resp); err != nil {
			cl.finish(nil, err)
		} else {
			cl.requeue()
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		if cl.serverRetries == 0 && c.retryOn.ShouldRetry(nil, resp.StatusCode) {
			cl.retryAfterFailure(nil, resp.StatusCode)
		} else {
			_, msg := decodeAPIError(resp.Body)
			cl.finish(nil, &util.ServerError{
				Method:     cl.req.Method,
				Route:      cl.route,
				StatusCode: resp.StatusCode,
				Message:    msg,
				Body:       resp.Body,
			})
		}
	case resp.StatusCode >= http.StatusBadRequest:
		code, msg := decodeAPIError(resp.Body)
		cl.finish(nil, &util.HTTPError{
			Method:     cl.req.Method,
			Route:      cl.route,
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    msg,
			Body:       resp.Body,
		})
	default:
		cl.finish(resp, nil)
	}
	done()
}

// retryAfterFailure schedules the single retry of a transient failure.
func (cl *call) retryAfterFailure(err error, status int) {
	cl.serverRetries++
	cl.delay = retry.CalculateBackoff(0, serverRetryBackoff, serverRetryMax, retry.DefaultJitterFactor)
	fields := []observability.Field{
		observability.Route(cl.route),
		observability.String(observability.FieldRequestID, cl.id),
		observability.Duration("delay", cl.delay),
	}
	if err != nil {
		fields = append(fields, observability.Error(err))
	}
	if status != 0 {
		fields = append(fields, observability.Int("status", status))
	}
	cl.client.logger.Debug("retrying request after transient failure", fields...)
	cl.requeue()
}

// onRateLimited applies a 429. It returns an error when the call must not
// be retried.
func (cl *call) onRateLimited(resp *Response) error {
	c := cl.client
	rl := parseRateLimitHeaders(resp.Header)
	retryAfter := rl.retryAfter
	global := rl.global

	var body rateLimitBody
	if err := resp.Decode(&body); err == nil {
		if body.RetryAfter > 0 {
			retryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		}
		global = global || body.Global
	}
	if retryAfter < 0 {
		retryAfter = 0
	}

	cl.rateLimitRetries++
	c.metrics.RecordRateLimitHit(cl.route, global)

	kind := "unexpected"
	if global {
		kind = "global"
	}
	c.logger.Warn("rate limited",
		observability.String("kind", kind),
		observability.Route(cl.route),
		observability.String(observability.FieldRequestID, cl.id),
		observability.String("bucket", rl.bucket),
		observability.String("scope", rl.scope),
		observability.Duration("retry_after", retryAfter),
		observability.Int("attempt", cl.rateLimitRetries),
	)

	if (c.maxRLRetries > 0 && cl.rateLimitRetries > c.maxRLRetries) ||
		(c.maxRLWait > 0 && retryAfter > c.maxRLWait) {
		return util.NewRateLimitError(cl.route, global, retryAfter, cl.rateLimitRetries)
	}

	if global {
		c.blockGlobal(retryAfter)
	} else {
		cl.bucket.BackOff(retryAfter)
	}
	return nil
}

// execute performs one HTTP exchange.
func (c *Client) execute(cl *call) (*Response, error) {
	ctx, cancel := context.WithTimeout(cl.ctx, c.requestTimeout)
	defer cancel()

	ctx = observability.ContextWithRequestID(ctx, cl.id)
	ctx, span := c.tracer.StartRESTSpan(ctx, cl.req.Method, cl.route)

	var resp *Response
	exchange := func() error {
		var err error
		resp, err = c.exchange(ctx, cl)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(exchange)
	} else {
		err = exchange()
	}
	if errors.Is(err, errServerStatus) {
		err = nil
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	observability.EndSpan(span, status, err)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && cl.ctx.Err() == nil {
		err = util.NewConnectionError(cl.req.Method+" "+cl.route,
			util.NewTimeoutError("request", c.requestTimeout))
	}
	return resp, err
}

var errServerStatus = errors.New("server error status")

func (c *Client) exchange(ctx context.Context, cl *call) (*Response, error) {
	requestID := observability.RequestIDFromContext(ctx)
	httpReq, err := c.build(ctx, cl.req, requestID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, util.NewConnectionError(cl.req.Method+" "+cl.route, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, util.NewConnectionError("read response body", err)
	}
	received := time.Now()
	elapsed := received.Sub(start)

	c.latency.RecordRTT(elapsed)
	c.metrics.RecordRequest(cl.req.Method, cl.route, httpResp.StatusCode, elapsed)

	c.logger.Debug("request completed",
		observability.String("method", cl.req.Method),
		observability.Route(cl.route),
		observability.String(observability.FieldRequestID, requestID),
		observability.Int("status", httpResp.StatusCode),
		observability.Duration("duration", elapsed),
	)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// updateBucket reconciles the route bucket with the response headers.
func (c *Client) updateBucket(cl *call, resp *Response) {
	rl := parseRateLimitHeaders(resp.Header)
	now := time.Now()
	c.latency.ObserveServerDate(rl.date, now)

	limit, _, _ := cl.bucket.Limits()
	if rl.hasLimit {
		limit = rl.limit
	}
	if cl.req.Method != http.MethodGet && (!rl.hasLimit || !rl.hasRemaining) && limit != 1 {
		c.logger.Debug("missing rate limit headers, limiting route to one call",
			observability.Route(cl.route),
			observability.String("method", cl.req.Method),
		)
		limit = 1
	}

	remaining := 1
	if rl.hasRemaining {
		remaining = rl.remaining
	}

	if rl.global && rl.retryAfter >= 0 && resp.StatusCode != http.StatusTooManyRequests {
		c.blockGlobal(rl.retryAfter)
	}

	var reset time.Time
	switch {
	case isReactionRoute(cl.route) && !rl.date.IsZero() && !rl.reset.IsZero() && rl.reset.Sub(rl.date) == time.Second:
		// Reaction resets are rounded up to the next whole second.
		reset = now.Add(250 * time.Millisecond)
	case rl.retryAfter >= 0 && rl.global:
		// The global block holds the route.
	case rl.retryAfter >= 0:
		after := rl.retryAfter
		if after <= 0 {
			after = time.Millisecond
		}
		reset = now.Add(after)
	case !rl.reset.IsZero():
		reset = c.latency.LocalTime(rl.reset).Add(-c.latency.Latency())
		if reset.Before(now) {
			reset = now
		}
	default:
		reset = now
	}

	cl.bucket.Update(limit, remaining, reset)
}
