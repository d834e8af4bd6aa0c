// Package gateway implements the sharded gateway connection: the per-shard
// session state machine, the websocket transport and the connect queue that
// paces identifies across shards.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/ratelimit"
	"github.com/vyrodovalexey/avacord/internal/retry"
	"github.com/vyrodovalexey/avacord/internal/util"
)

// Shard defaults.
const (
	DefaultConnectionTimeout  = 30 * time.Second
	DefaultMaxResumeAttempts  = 10
	DefaultReconnectDelay     = time.Second
	DefaultMaxReconnectDelay  = 30 * time.Second
	DefaultEventBuffer        = 256
	DefaultLargeThreshold     = 250
	sendBucketLimit           = 120
	sendBucketInterval        = 60 * time.Second
	sendBucketReserved        = 5
	presenceBucketLimit       = 5
	presenceBucketInterval    = 20 * time.Second
	closeReasonZombie         = "heartbeat ack not received"
	closeReasonServerRequest  = "server requested reconnect"
	closeReasonInvalidSession = "session invalidated"
	closeReasonTimeout        = "connection timeout"
	finalEventTimeout         = time.Second
)

var errNotReady = errors.New("shard is not ready")

// ShardConfig configures a Shard.
type ShardConfig struct {
	ID    int
	Count int
	Token string

	Intents        int
	LargeThreshold int
	Presence       *Presence

	GatewayURL        string
	ConnectionTimeout time.Duration

	// DisableReconnect ends the shard on the first close.
	DisableReconnect bool
	// MaxReconnectAttempts caps consecutive reconnects. Zero is unlimited.
	MaxReconnectAttempts int
	MaxResumeAttempts    int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	EventBuffer    int
	DisabledEvents []string
}

// ApplyDefaults fills zero values.
func (c *ShardConfig) ApplyDefaults() {
	if c.Count < 1 {
		c.Count = 1
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.MaxResumeAttempts <= 0 {
		c.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.LargeThreshold <= 0 {
		c.LargeThreshold = DefaultLargeThreshold
	}
}

// Validate checks the configuration.
func (c *ShardConfig) Validate() error {
	verr := util.NewValidationError("invalid shard configuration")
	if c.Token == "" {
		verr.AddField("token", "is required")
	}
	if c.ID < 0 || c.ID >= c.Count {
		verr.AddField("id", fmt.Sprintf("must be in [0, %d)", c.Count))
	}
	if err := util.ValidateURL(c.GatewayURL, "ws", "wss"); err != nil {
		verr.AddField("gatewayURL", err.Error())
	}
	if c.LargeThreshold < 50 || c.LargeThreshold > 250 {
		verr.AddField("largeThreshold", "must be between 50 and 250")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// SessionState is a snapshot of a shard session.
type SessionState struct {
	ShardID            int
	ShardCount         int
	Status             Status
	SessionID          string
	Sequence           uint64
	HasSequence        bool
	ResumeURL          string
	HeartbeatInterval  time.Duration
	LastHeartbeatSent  time.Time
	LastHeartbeatAcked bool
	ReconnectAttempts  int
	ResumeAttempts     int
}

// Shard owns one gateway session.
type Shard struct {
	cfg      ShardConfig
	dialer   Dialer
	queue    *ConnectQueue
	logger   observability.Logger
	metrics  *observability.Metrics
	latency  *ratelimit.LatencyTracker
	backoff  *retry.ReconnectBackoff
	disabled map[string]bool

	sendBucket     *ratelimit.PacingBucket
	presenceBucket *ratelimit.PacingBucket

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	gen                uint64
	conn               Conn
	status             Status
	sessionID          string
	seq                uint64
	hasSeq             bool
	resumeURL          string
	heartbeatInterval  time.Duration
	lastHeartbeatSent  time.Time
	lastHeartbeatAcked bool
	heartbeatTimer     *time.Timer
	connectTimer       *time.Timer
	reconnectTimer     *time.Timer
	release            func()
	reconnectAttempts  int
	resumeAttempts     int
	replayed           int
	closed             bool
	presence           *Presence
	members            map[string]*memberRequest
	buffered           []*pendingSend

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// ShardOption configures a Shard.
type ShardOption func(*Shard)

// WithShardLogger sets the logger.
func WithShardLogger(logger observability.Logger) ShardOption {
	return func(s *Shard) {
		s.logger = logger
	}
}

// WithShardMetrics sets the metrics.
func WithShardMetrics(m *observability.Metrics) ShardOption {
	return func(s *Shard) {
		s.metrics = m
	}
}

// WithShardLatencyTracker sets the tracker fed with heartbeat round trips.
func WithShardLatencyTracker(t *ratelimit.LatencyTracker) ShardOption {
	return func(s *Shard) {
		s.latency = t
	}
}

// NewShard creates a shard. The shard does nothing until Start.
func NewShard(cfg ShardConfig, dialer Dialer, queue *ConnectQueue, opts ...ShardOption) (*Shard, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, util.NewConfigError("dialer", "is required")
	}
	if queue == nil {
		return nil, util.NewConfigError("queue", "is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Shard{
		cfg:      cfg,
		dialer:   dialer,
		queue:    queue,
		logger:   observability.NopLogger(),
		backoff:  retry.NewReconnectBackoff(cfg.ReconnectDelay, cfg.MaxReconnectDelay),
		disabled: make(map[string]bool, len(cfg.DisabledEvents)),
		ctx:      ctx,
		cancel:   cancel,
		presence: cfg.Presence,
		members:  make(map[string]*memberRequest),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range cfg.DisabledEvents {
		s.disabled[name] = true
	}
	s.logger = s.logger.With(observability.ShardID(cfg.ID))
	if s.latency == nil {
		s.latency = ratelimit.NewLatencyTracker(ratelimit.WithLatencyLogger(s.logger))
	}

	prefix := "shard-" + strconv.Itoa(cfg.ID)
	s.sendBucket = ratelimit.NewPacingBucket(sendBucketLimit, sendBucketInterval,
		ratelimit.WithReservedTokens(sendBucketReserved),
		ratelimit.WithLatencyTracker(s.latency),
		ratelimit.WithPacingName(prefix+"-send"),
		ratelimit.WithPacingLogger(s.logger),
		ratelimit.WithPacingMetrics(s.metrics),
	)
	s.presenceBucket = ratelimit.NewPacingBucket(presenceBucketLimit, presenceBucketInterval,
		ratelimit.WithLatencyTracker(s.latency),
		ratelimit.WithPacingName(prefix+"-presence"),
		ratelimit.WithPacingLogger(s.logger),
		ratelimit.WithPacingMetrics(s.metrics),
	)
	s.metrics.SetShardStatus(cfg.ID, int(StatusDisconnected))
	return s, nil
}

// ShardID implements Connector.
func (s *Shard) ShardID() int {
	return s.cfg.ID
}

// Resumable implements Connector.
func (s *Shard) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canResumeLocked()
}

func (s *Shard) canResumeLocked() bool {
	return s.sessionID != "" && s.resumeAttempts < s.cfg.MaxResumeAttempts
}

// Start queues the first connect.
func (s *Shard) Start() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return util.ErrShutdown
	}
	s.queue.Enqueue(s)
	return nil
}

// Events returns the event channel. Events of one shard are delivered in
// receive order.
func (s *Shard) Events() <-chan Event {
	return s.events
}

// Done is closed when the shard ended for good.
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

// Status returns the current status.
func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Latency returns the smoothed heartbeat round trip.
func (s *Shard) Latency() time.Duration {
	return s.latency.Latency()
}

// Session returns a snapshot of the session state.
func (s *Shard) Session() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		ShardID:            s.cfg.ID,
		ShardCount:         s.cfg.Count,
		Status:             s.status,
		SessionID:          s.sessionID,
		Sequence:           s.seq,
		HasSequence:        s.hasSeq,
		ResumeURL:          s.resumeURL,
		HeartbeatInterval:  s.heartbeatInterval,
		LastHeartbeatSent:  s.lastHeartbeatSent,
		LastHeartbeatAcked: s.lastHeartbeatAcked,
		ReconnectAttempts:  s.reconnectAttempts,
		ResumeAttempts:     s.resumeAttempts,
	}
}

// Connect implements Connector. It dials the gateway and starts reading.
// Dial failures schedule a reconnect with backoff.
func (s *Shard) Connect(ctx context.Context, release func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return util.ErrShutdown
	}
	if s.conn != nil {
		s.mu.Unlock()
		release()
		return nil
	}
	s.gen++
	gen := s.gen
	s.release = release
	s.setStatusLocked(StatusConnecting)
	target := s.cfg.GatewayURL
	if s.canResumeLocked() && s.resumeURL != "" {
		target = s.resumeURL
	}
	s.mu.Unlock()

	s.logger.Debug("connecting to gateway", observability.String("url", target))

	dialCtx, cancel := context.WithTimeout(observability.ContextWithShardID(ctx, s.cfg.ID), s.cfg.ConnectionTimeout)
	conn, err := s.dialer.Dial(dialCtx, target)
	cancel()
	if err != nil {
		cerr := util.NewConnectionError("dial", err)
		s.mu.Lock()
		current := gen == s.gen && !s.closed
		if current {
			s.setStatusLocked(StatusDisconnected)
		}
		rel := s.takeReleaseLocked()
		s.mu.Unlock()
		rel()
		if current {
			s.logger.Warn("gateway dial failed", observability.Error(cerr))
			s.emit(&ErrorEvent{Shard: s.cfg.ID, Err: cerr})
			s.scheduleReconnect("dial", true)
		}
		return cerr
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		rel := s.takeReleaseLocked()
		s.mu.Unlock()
		_ = conn.Close(CloseNormal, "")
		rel()
		return util.ErrShutdown
	}
	s.conn = conn
	s.connectTimer = time.AfterFunc(s.cfg.ConnectionTimeout, func() {
		s.onConnectTimeout(gen)
	})
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	return nil
}

// Disconnect closes the transport. With reconnect the shard re-enters the
// connect queue keeping its session for a resume; without it the shard ends.
func (s *Shard) Disconnect(reason string, reconnect bool) {
	if !reconnect {
		s.Close()
		return
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.disconnect(gen, CloseUnknownError, reason, true)
}

// Close ends the shard without reconnecting.
func (s *Shard) Close() {
	s.shutdown(CloseNormal, "closed", nil)
}

// UpdateStatus sends a presence update. The presence is also used for
// later identifies.
func (s *Shard) UpdateStatus(ctx context.Context, presence Presence) error {
	if presence.Activities == nil {
		presence.Activities = []Activity{}
	}
	s.mu.Lock()
	p := presence
	s.presence = &p
	s.mu.Unlock()

	if err := s.presenceBucket.Wait(ctx, false); err != nil {
		return err
	}
	return s.sendReady(ctx, OpPresenceUpdate, presence)
}

// UpdateVoiceState joins, moves or leaves a voice channel.
func (s *Shard) UpdateVoiceState(ctx context.Context, update VoiceStateUpdate) error {
	return s.sendReady(ctx, OpVoiceStateUpdate, update)
}

// handlePacket runs a frame received on the connection of generation gen.
func (s *Shard) handlePacket(gen uint64, conn Conn, p *Packet) {
	s.metrics.RecordPacket("in", int(p.Op))

	switch p.Op {
	case OpDispatch:
		s.onDispatch(gen, p)
	case OpHello:
		s.onHello(gen, conn, p.Data)
	case OpHeartbeatAck:
		s.onHeartbeatAck(gen)
	case OpHeartbeat:
		s.mu.Lock()
		seq, hasSeq := s.seq, s.hasSeq
		s.mu.Unlock()
		if err := s.sendOn(gen, conn, OpHeartbeat, heartbeatData(seq, hasSeq), true); err != nil {
			s.logger.Debug("failed to answer heartbeat request", observability.Error(err))
		}
	case OpReconnect:
		s.logger.Info("gateway requested reconnect")
		s.disconnect(gen, CloseUnknownError, closeReasonServerRequest, true)
	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.Data, &resumable)
		s.onInvalidSession(gen, conn, resumable)
	default:
		s.logger.Debug("unhandled opcode", observability.String(observability.FieldOpcode, p.Op.String()))
	}
}

func (s *Shard) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			s.onReadError(gen, err)
			return
		}
		var p Packet
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("failed to decode gateway packet", observability.Error(err))
			continue
		}
		if !s.current(gen) {
			return
		}
		s.handlePacket(gen, conn, &p)
	}
}

func (s *Shard) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.conn != nil
}

func (s *Shard) onHello(gen uint64, conn Conn, data json.RawMessage) {
	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		s.logger.Warn("invalid hello payload", observability.Error(err))
		s.disconnect(gen, CloseDecodeError, "invalid hello", true)
		return
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.heartbeatInterval = interval
	s.lastHeartbeatAcked = true
	s.stopHeartbeatLocked()
	first := time.Duration(rand.Float64() * float64(interval)) //nolint:gosec
	s.heartbeatTimer = time.AfterFunc(first, func() { s.heartbeat(gen) })

	op, payload := s.handshakeLocked()
	s.mu.Unlock()

	s.logger.Debug("hello received",
		observability.Duration("heartbeat_interval", interval),
		observability.String("handshake", op.String()),
	)
	if err := s.sendOn(gen, conn, op, payload, true); err != nil {
		s.logger.Warn("failed to send handshake", observability.Error(err))
	}
}

// handshakeLocked chooses between resume and identify and updates the
// status accordingly.
func (s *Shard) handshakeLocked() (Opcode, any) {
	if s.canResumeLocked() {
		s.resumeAttempts++
		s.replayed = 0
		s.setStatusLocked(StatusResuming)
		s.logger.Info("resuming session",
			observability.Int("attempt", s.resumeAttempts),
			observability.Uint64(observability.FieldSequence, s.seq),
		)
		return OpResume, Resume{
			Token:     rawToken(s.cfg.Token),
			SessionID: s.sessionID,
			Seq:       s.seq,
		}
	}
	if s.sessionID != "" {
		s.logger.Warn("resume attempts exhausted, identifying",
			observability.Int("attempts", s.resumeAttempts),
		)
		s.clearSessionLocked()
	}
	s.setStatusLocked(StatusHandshaking)
	return OpIdentify, Identify{
		Token:          rawToken(s.cfg.Token),
		Properties:     defaultProperties(),
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.ID, s.cfg.Count},
		Presence:       s.presence,
		Intents:        s.cfg.Intents,
	}
}

func (s *Shard) heartbeat(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	if !s.lastHeartbeatAcked {
		s.mu.Unlock()
		s.logger.Warn("heartbeat not acknowledged, reconnecting")
		s.disconnect(gen, CloseUnknownError, closeReasonZombie, true)
		return
	}
	s.lastHeartbeatAcked = false
	s.lastHeartbeatSent = time.Now()
	conn := s.conn
	seq, hasSeq := s.seq, s.hasSeq
	s.heartbeatTimer = time.AfterFunc(s.heartbeatInterval, func() { s.heartbeat(gen) })
	s.mu.Unlock()

	if err := s.sendOn(gen, conn, OpHeartbeat, heartbeatData(seq, hasSeq), true); err != nil {
		s.logger.Debug("failed to send heartbeat", observability.Error(err))
	}
}

func heartbeatData(seq uint64, hasSeq bool) *uint64 {
	if !hasSeq {
		return nil
	}
	return &seq
}

func (s *Shard) onHeartbeatAck(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.lastHeartbeatAcked {
		s.mu.Unlock()
		return
	}
	s.lastHeartbeatAcked = true
	rtt := time.Since(s.lastHeartbeatSent)
	s.mu.Unlock()

	s.latency.RecordRTT(rtt)
	s.metrics.SetHeartbeatLatency(s.cfg.ID, s.latency.Latency())
}

func (s *Shard) onDispatch(gen uint64, p *Packet) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if p.Seq != 0 {
		switch {
		case s.hasSeq && p.Seq < s.seq:
			s.logger.Warn("received older sequence",
				observability.Uint64(observability.FieldSequence, p.Seq),
				observability.Uint64("current", s.seq),
			)
		default:
			if s.hasSeq && p.Seq != s.seq+1 {
				s.logger.Warn("non-consecutive sequence",
					observability.Uint64(observability.FieldSequence, p.Seq),
					observability.Uint64("expected", s.seq+1),
				)
			}
			s.seq = p.Seq
			s.hasSeq = true
		}
	}

	switch p.Type {
	case "READY":
		var ready Ready
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			s.mu.Unlock()
			s.logger.Error("invalid ready payload", observability.Error(err))
			s.disconnect(gen, CloseDecodeError, "invalid ready", true)
			return
		}
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		rel, buffered := s.readyLocked()
		s.mu.Unlock()
		rel()
		s.flush(buffered)
		s.logger.Info("shard ready", observability.String("session_id", ready.SessionID))
		s.emit(&ReadyEvent{Shard: s.cfg.ID, SessionID: ready.SessionID, Payload: p.Data})
		return

	case "RESUMED":
		replayed := s.replayed
		rel, buffered := s.readyLocked()
		s.mu.Unlock()
		rel()
		s.flush(buffered)
		s.logger.Info("shard resumed", observability.Int("replayed", replayed))
		s.emit(&ResumedEvent{Shard: s.cfg.ID, Replayed: replayed})
		return
	}

	if s.status == StatusResuming {
		s.replayed++
	}
	s.mu.Unlock()

	if p.Type == "GUILD_MEMBERS_CHUNK" {
		s.collectMembers(p.Data)
	}
	s.metrics.RecordDispatch(p.Type)
	if s.disabled[p.Type] {
		return
	}
	s.emit(&DispatchEvent{Shard: s.cfg.ID, Name: p.Type, Seq: p.Seq, Payload: p.Data})
}

// readyLocked moves the session to ready. It returns the identify release
// and the sends buffered while the shard was not ready.
func (s *Shard) readyLocked() (func(), []*pendingSend) {
	s.setStatusLocked(StatusReady)
	s.reconnectAttempts = 0
	s.resumeAttempts = 0
	s.backoff.Reset()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	buffered := s.buffered
	s.buffered = nil
	return s.takeReleaseLocked(), buffered
}

func (s *Shard) onInvalidSession(gen uint64, conn Conn, resumable bool) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if resumable && s.canResumeLocked() {
		op, payload := s.handshakeLocked()
		s.mu.Unlock()
		s.logger.Info("session invalidated, resuming")
		if err := s.sendOn(gen, conn, op, payload, true); err != nil {
			s.logger.Warn("failed to send resume", observability.Error(err))
		}
		return
	}
	s.clearSessionLocked()
	s.mu.Unlock()

	s.logger.Info("session invalidated, identifying")
	s.emit(&ErrorEvent{Shard: s.cfg.ID, Err: &util.SessionInvalidatedError{Resumable: resumable}})
	s.disconnect(gen, CloseNormal, closeReasonInvalidSession, true)
}

func (s *Shard) onConnectTimeout(gen uint64) {
	if !s.current(gen) {
		return
	}
	err := util.NewConnectionError("handshake", util.NewTimeoutError("handshake", s.cfg.ConnectionTimeout))
	s.logger.Warn("connection timed out", observability.Error(err))
	s.emit(&ErrorEvent{Shard: s.cfg.ID, Err: err})
	s.disconnect(gen, CloseUnknownError, closeReasonTimeout, true)
}

func (s *Shard) onReadError(gen uint64, err error) {
	code, reason := CloseAbnormal, err.Error()
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Reason
	}
	action, cause := classifyClose(code, reason)

	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.gen++
	rel := s.teardownLocked()
	if action == closeIdentify {
		s.clearSessionLocked()
	}
	reconnect := action != closeFatal && !s.closed && !s.cfg.DisableReconnect
	s.mu.Unlock()

	_ = conn.Close(CloseUnknownError, "")
	rel()

	s.logger.Warn("gateway connection closed",
		observability.Int("code", code),
		observability.String("reason", reason),
		observability.Bool("reconnecting", reconnect),
	)

	s.emit(&ClosedEvent{Shard: s.cfg.ID, Code: code, Reason: reason, Reconnecting: reconnect})
	if action == closeFatal {
		s.shutdown(code, reason, cause)
		return
	}
	if !reconnect {
		s.shutdown(code, reason, nil)
		return
	}
	s.scheduleReconnect(strconv.Itoa(code), false)
}

// disconnect closes the connection of generation gen from our side.
func (s *Shard) disconnect(gen uint64, code int, reason string, reconnect bool) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.gen++
	rel := s.teardownLocked()
	reconnect = reconnect && !s.closed && !s.cfg.DisableReconnect
	s.mu.Unlock()

	_ = conn.Close(code, reason)
	rel()

	s.emit(&ClosedEvent{Shard: s.cfg.ID, Code: code, Reason: reason, Reconnecting: reconnect})
	if !reconnect {
		s.shutdown(code, reason, nil)
		return
	}
	s.scheduleReconnect(reason, false)
}

// scheduleReconnect re-enters the connect queue. Resumable sessions
// reconnect at once unless backoff is forced.
func (s *Shard) scheduleReconnect(reason string, forceBackoff bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cfg.DisableReconnect {
		s.mu.Unlock()
		s.shutdown(CloseNormal, "reconnect disabled", nil)
		return
	}
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		err := util.NewConnectionError("reconnect",
			fmt.Errorf("exceeded %d reconnect attempts", s.cfg.MaxReconnectAttempts))
		s.shutdown(CloseNormal, "reconnect attempts exhausted", err)
		return
	}

	var delay time.Duration
	if forceBackoff || !s.canResumeLocked() {
		delay = s.backoff.Next(attempts)
	}
	s.metrics.RecordReconnect(s.cfg.ID, reason)

	if delay == 0 {
		s.mu.Unlock()
		s.logger.Info("reconnecting", observability.Int("attempt", attempts))
		s.queue.Enqueue(s)
		return
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.queue.Enqueue(s)
		}
	})
	s.mu.Unlock()

	s.logger.Info("reconnecting after delay",
		observability.Int("attempt", attempts),
		observability.Duration("delay", delay),
	)
}

// shutdown ends the shard. A non-nil cause is emitted as a fatal error.
func (s *Shard) shutdown(code int, reason string, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.gen++
	rel := s.teardownLocked()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.clearSessionLocked()
	members := s.members
	s.members = make(map[string]*memberRequest)
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	s.cancel()
	s.sendBucket.Close()
	s.presenceBucket.Close()
	if conn != nil {
		_ = conn.Close(code, reason)
		s.emitFinal(&ClosedEvent{Shard: s.cfg.ID, Code: code, Reason: reason})
	}
	rel()
	for _, req := range members {
		req.finish(util.ErrShutdown)
	}
	for _, p := range buffered {
		p.result <- util.ErrShutdown
	}
	if cause != nil {
		s.logger.Error("shard stopped", observability.Error(cause))
		s.emitFinal(&ErrorEvent{Shard: s.cfg.ID, Err: cause, Fatal: true})
	} else {
		s.logger.Info("shard stopped")
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// teardownLocked forgets the connection and its timers and returns the
// pending identify release.
func (s *Shard) teardownLocked() func() {
	s.conn = nil
	s.stopHeartbeatLocked()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	s.setStatusLocked(StatusDisconnected)
	return s.takeReleaseLocked()
}

func (s *Shard) stopHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

func (s *Shard) clearSessionLocked() {
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.hasSeq = false
	s.resumeAttempts = 0
}

func (s *Shard) takeReleaseLocked() func() {
	rel := s.release
	s.release = nil
	if rel == nil {
		return func() {}
	}
	return rel
}

func (s *Shard) setStatusLocked(status Status) {
	s.status = status
	s.metrics.SetShardStatus(s.cfg.ID, int(status))
}

// sendOn writes a frame on the connection of generation gen.
func (s *Shard) sendOn(gen uint64, conn Conn, op Opcode, data any, priority bool) error {
	if err := s.sendBucket.Wait(s.ctx, priority); err != nil {
		return err
	}
	s.mu.Lock()
	current := gen == s.gen && s.conn == conn
	s.mu.Unlock()
	if !current {
		return util.NewConnectionError(op.String(), errors.New("connection replaced"))
	}
	return s.write(conn, op, data)
}

// pendingSend is a frame waiting for the session to become ready.
type pendingSend struct {
	ctx    context.Context
	op     Opcode
	data   any
	result chan error
}

// sendReady writes a frame on the current connection. While the session is
// not ready the frame is buffered and written after READY or RESUMED.
func (s *Shard) sendReady(ctx context.Context, op Opcode, data any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return util.ErrShutdown
	}
	if s.status == StatusReady {
		s.mu.Unlock()
		return s.deliver(ctx, op, data)
	}
	p := &pendingSend{ctx: ctx, op: op, data: data, result: make(chan error, 1)}
	s.buffered = append(s.buffered, p)
	s.mu.Unlock()

	s.logger.Debug("buffering frame until ready", observability.String(observability.FieldOpcode, op.String()))
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		s.unbuffer(p)
		return ctx.Err()
	}
}

func (s *Shard) unbuffer(p *pendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.buffered {
		if b == p {
			s.buffered = append(s.buffered[:i], s.buffered[i+1:]...)
			return
		}
	}
}

// flush writes buffered frames in order. Frames still pending when the
// session drops again go back to the head of the buffer.
func (s *Shard) flush(buffered []*pendingSend) {
	if len(buffered) == 0 {
		return
	}
	s.logger.Debug("flushing buffered frames", observability.Int("count", len(buffered)))
	go func() {
		for i, p := range buffered {
			if err := p.ctx.Err(); err != nil {
				p.result <- err
				continue
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				for _, rest := range buffered[i:] {
					rest.result <- util.ErrShutdown
				}
				return
			}
			if s.status != StatusReady {
				s.buffered = append(append([]*pendingSend(nil), buffered[i:]...), s.buffered...)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			p.result <- s.deliver(p.ctx, p.op, p.data)
		}
	}()
}

// deliver writes a frame on the current connection through the send bucket.
func (s *Shard) deliver(ctx context.Context, op Opcode, data any) error {
	if err := s.sendBucket.Wait(ctx, false); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return util.NewConnectionError(op.String(), errNotReady)
	}
	return s.write(conn, op, data)
}

func (s *Shard) write(conn Conn, op Opcode, data any) error {
	frame, err := encodePacket(op, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", op, err)
	}
	if err := conn.Write(frame); err != nil {
		return util.NewConnectionError(op.String(), err)
	}
	s.metrics.RecordPacket("out", int(op))
	return nil
}

// emit delivers an event. It blocks while the buffer is full until the
// shard ends; after that delivery is best effort.
func (s *Shard) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	case <-s.done:
	}
	select {
	case s.events <- ev:
	default:
	}
}

// emitFinal delivers an event of a stopping shard, giving up after
// finalEventTimeout when nobody reads.
func (s *Shard) emitFinal(ev Event) {
	timer := time.NewTimer(finalEventTimeout)
	defer timer.Stop()
	select {
	case s.events <- ev:
	case <-timer.C:
		s.logger.Debug("dropped event of stopping shard")
	}
}

// memberRequest collects the chunks answering one member request.
type memberRequest struct {
	members  []json.RawMessage
	received int
	err      error
	done     chan struct{}
	once     sync.Once
}

func (r *memberRequest) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// RequestGuildMembers requests guild members and collects every chunk of
// the answer.
func (s *Shard) RequestGuildMembers(ctx context.Context, req RequestGuildMembers) ([]json.RawMessage, error) {
	if req.GuildID == "" {
		return nil, util.NewValidationError("guild id is required")
	}
	if req.Query == nil && len(req.UserIDs) == 0 {
		empty := ""
		req.Query = &empty
	}
	req.Nonce = uuid.NewString()

	pending := &memberRequest{done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, util.ErrShutdown
	}
	s.members[req.Nonce] = pending
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.members, req.Nonce)
		s.mu.Unlock()
	}()

	if err := s.sendReady(ctx, OpRequestGuildMembers, req); err != nil {
		return nil, err
	}

	select {
	case <-pending.done:
		if pending.err != nil {
			return nil, pending.err
		}
		return pending.members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Shard) collectMembers(data json.RawMessage) {
	var chunk GuildMembersChunk
	if err := json.Unmarshal(data, &chunk); err != nil || chunk.Nonce == "" {
		return
	}
	s.mu.Lock()
	req, ok := s.members[chunk.Nonce]
	if !ok {
		s.mu.Unlock()
		return
	}
	req.members = append(req.members, chunk.Members...)
	req.received++
	complete := req.received >= chunk.ChunkCount
	s.mu.Unlock()

	if complete {
		req.finish(nil)
	}
}
