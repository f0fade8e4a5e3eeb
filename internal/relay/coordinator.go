package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// Config holds the upstream session parameters and the coordinator timeouts.
type Config struct {
	SampleRate     int
	Voice          string
	Instructions   string
	ConnectTimeout time.Duration
	// CloseTimeout bounds how long teardown waits for the event pump to drain.
	CloseTimeout time.Duration
	// ArchiveTimeout bounds the archive write after a session closes.
	ArchiveTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		SampleRate:     24000,
		ConnectTimeout: 15 * time.Second,
		CloseTimeout:   5 * time.Second,
		ArchiveTimeout: 5 * time.Second,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchive stores every closed session in repo.
func WithArchive(repo repositories.SessionRepository) Option {
	return func(c *Coordinator) { c.archive = repo }
}

// WithCostEstimator replaces the default zero rate card.
func WithCostEstimator(estimator CostEstimator) Option {
	return func(c *Coordinator) { c.cost = estimator }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns every live relay session. Each session has at most one
// upstream connection and one pump goroutine relaying upstream events to the
// owning client in arrival order.
type Coordinator struct {
	provider repositories.RealtimeProvider
	archive  repositories.SessionRepository
	cost     CostEstimator
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id       string
	sink     Sink
	pumpDone chan struct{}

	mu           sync.Mutex
	entity       *entities.Session
	conn         repositories.RealtimeConn
	lastActivity time.Time
	pending      strings.Builder
	endRequested bool
}

// NewCoordinator creates a coordinator dialing provider for every session.
func NewCoordinator(provider repositories.RealtimeProvider, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = def.ArchiveTimeout
	}

	c := &Coordinator{
		provider: provider,
		cost:     RateCard{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle dispatches a client event. Events addressed to a session owned by a
// different sink are rejected as ErrInvalidSessionState.
func (c *Coordinator) Handle(ctx context.Context, sink Sink, ev Event) error {
	if start, ok := ev.(StartSession); ok {
		return c.StartSession(ctx, sink, start.SessionID, start.UserID)
	}

	if s, ok := c.lookup(ev.target()); ok && s.sink != sink {
		c.logger.Warn("Dropping event for session owned by another client",
			zap.String("sessionID", ev.target()),
			zap.String("event", fmt.Sprintf("%T", ev)))
		return fmt.Errorf("session %s: %w", ev.target(), domain.ErrInvalidSessionState)
	}

	switch e := ev.(type) {
	case AudioChunk:
		return c.ForwardAudioChunk(e.SessionID, e.PCM)
	case CommitAudio:
		return c.CommitAudio(e.SessionID)
	case EndSession:
		return c.EndSession(e.SessionID)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

// StartSession reserves sessionID, dials the upstream provider and emits
// connected on success. A duplicate id is rejected without touching the
// existing session. On dial failure an error is emitted and the id is freed.
func (c *Coordinator) StartSession(ctx context.Context, sink Sink, sessionID, userID string) error {
	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		c.logger.Warn("Rejected duplicate session", zap.String("sessionID", sessionID), zap.String("userID", userID))
		c.send(sink, domain.NewErrorMessage(sessionID, domain.ErrorCodeSessionExists,
			fmt.Sprintf("session %s already exists", sessionID)))
		return fmt.Errorf("start session %s: %w", sessionID, domain.ErrSessionExists)
	}
	now := c.now()
	s := &session{
		id:           sessionID,
		sink:         sink,
		pumpDone:     make(chan struct{}),
		entity:       entities.NewSession(sessionID, userID, now),
		lastActivity: now,
	}
	s.entity.State = entities.SessionStateConnecting
	c.sessions[sessionID] = s
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.provider.Connect(dialCtx, repositories.RealtimeConfig{
		SessionID:    sessionID,
		UserID:       userID,
		SampleRate:   c.cfg.SampleRate,
		Voice:        c.cfg.Voice,
		Instructions: c.cfg.Instructions,
	})
	cancel()
	if err != nil {
		c.remove(s)
		s.mu.Lock()
		s.entity.State = entities.SessionStateIdle
		s.mu.Unlock()

		c.logger.Error("Failed to connect upstream provider",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		c.send(sink, domain.NewErrorMessage(sessionID, domain.ErrorCodeConnectFailed, err.Error()))

		var upstreamErr *domain.UpstreamError
		if !errors.As(err, &upstreamErr) {
			err = domain.NewUpstreamError("", err)
		}
		return fmt.Errorf("start session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.entity.State = entities.SessionStateActive
	endRequested := s.endRequested
	if !endRequested {
		c.send(sink, domain.NewConnectedMessage(sessionID))
	}
	s.mu.Unlock()

	go c.pump(s)

	c.logger.Info("Session started",
		zap.String("sessionID", sessionID),
		zap.String("userID", userID))

	if endRequested {
		c.closeSession(s, nil, false)
	}
	return nil
}

// ForwardAudioChunk hands pcm to the session's upstream connection without
// modification. Chunks for unknown or inactive sessions are dropped with a
// warning and no event.
func (c *Coordinator) ForwardAudioChunk(sessionID string, pcm []byte) error {
	conn, err := c.activeConn(sessionID, "audio-chunk")
	if err != nil {
		return err
	}

	if err := conn.AppendAudio(pcm); err != nil {
		c.failSession(sessionID, err)
		return fmt.Errorf("forward audio to session %s: %w", sessionID, err)
	}
	return nil
}

// CommitAudio signals the end of the user's utterance upstream.
func (c *Coordinator) CommitAudio(sessionID string) error {
	conn, err := c.activeConn(sessionID, "commit-audio")
	if err != nil {
		return err
	}

	if err := conn.Commit(); err != nil {
		c.failSession(sessionID, err)
		return fmt.Errorf("commit audio for session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession closes the upstream connection, purges the session and emits
// exactly one session-closed summary.
func (c *Coordinator) EndSession(sessionID string) error {
	s, ok := c.lookup(sessionID)
	if !ok {
		c.logger.Warn("Ignoring end-session for unknown session", zap.String("sessionID", sessionID))
		return fmt.Errorf("end session %s: %w: %w", sessionID, domain.ErrInvalidSessionState, domain.ErrUnknownSession)
	}
	c.closeSession(s, nil, false)
	return nil
}

// Disconnect ends every session owned by sink. It is called when the
// client's transport goes away.
func (c *Coordinator) Disconnect(sink Sink) int {
	owned := c.collect(func(s *session) bool { return s.sink == sink })
	for _, s := range owned {
		c.closeSession(s, nil, false)
	}
	return len(owned)
}

// ReapIdle ends active sessions that have not received client input for
// longer than maxIdle.
func (c *Coordinator) ReapIdle(maxIdle time.Duration) int {
	cutoff := c.now().Add(-maxIdle)
	idle := c.collect(func(s *session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.entity.State == entities.SessionStateActive && s.lastActivity.Before(cutoff)
	})
	for _, s := range idle {
		c.logger.Info("Reaping idle session", zap.String("sessionID", s.id))
		c.closeSession(s, nil, false)
	}
	return len(idle)
}

// Shutdown ends every session concurrently and waits until they are closed
// or ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	all := c.collect(func(*session) bool { return true })

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			c.closeSession(s, nil, false)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of sessions currently registered.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Session returns a snapshot of a registered session.
func (c *Coordinator) Session(sessionID string) (*entities.Session, bool) {
	s, ok := c.lookup(sessionID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entity.Clone(), true
}

func (c *Coordinator) lookup(sessionID string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Coordinator) collect(match func(*session) bool) []*session {
	c.mu.Lock()
	candidates := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		candidates = append(candidates, s)
	}
	c.mu.Unlock()

	matched := candidates[:0]
	for _, s := range candidates {
		if match(s) {
			matched = append(matched, s)
		}
	}
	return matched
}

func (c *Coordinator) remove(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.sessions[s.id]; ok && current == s {
		delete(c.sessions, s.id)
	}
}

func (c *Coordinator) activeConn(sessionID, op string) (repositories.RealtimeConn, error) {
	s, ok := c.lookup(sessionID)
	if !ok {
		c.logger.Warn("Dropping event for unknown session",
			zap.String("sessionID", sessionID),
			zap.String("event", op))
		return nil, fmt.Errorf("%s for session %s: %w: %w", op, sessionID, domain.ErrInvalidSessionState, domain.ErrUnknownSession)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entity.State != entities.SessionStateActive {
		c.logger.Warn("Dropping event for inactive session",
			zap.String("sessionID", sessionID),
			zap.String("event", op),
			zap.String("state", string(s.entity.State)))
		return nil, fmt.Errorf("%s for session %s: %w", op, sessionID, domain.ErrInvalidSessionState)
	}
	s.lastActivity = c.now()
	return s.conn, nil
}

func (c *Coordinator) failSession(sessionID string, err error) {
	s, ok := c.lookup(sessionID)
	if !ok {
		return
	}
	c.logger.Error("Upstream write failed", zap.String("sessionID", sessionID), zap.Error(err))
	c.closeSession(s, domain.NewUpstreamError("", err), false)
}

// pump relays upstream events to the owning client until the upstream event
// stream ends.
func (c *Coordinator) pump(s *session) {
	defer close(s.pumpDone)

	for ev := range s.conn.Events() {
		if ev.Type == repositories.ProviderEventError {
			err := ev.Err
			if err == nil {
				err = errors.New("upstream provider error")
			}
			c.logger.Error("Upstream provider error", zap.String("sessionID", s.id), zap.Error(err))
			c.closeSession(s, err, true)
			continue
		}
		c.relay(s, ev)
	}

	s.mu.Lock()
	active := s.entity.State == entities.SessionStateActive
	s.mu.Unlock()
	if active {
		c.logger.Warn("Upstream connection ended unexpectedly", zap.String("sessionID", s.id))
		c.closeSession(s, domain.NewUpstreamError("", errors.New("upstream connection closed")), true)
	}
}

// relay translates one upstream event. Emission happens under the session
// lock so nothing can be sent once teardown has begun.
func (c *Coordinator) relay(s *session, ev repositories.ProviderEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entity.State != entities.SessionStateActive {
		return
	}

	switch ev.Type {
	case repositories.ProviderEventUserTranscript:
		s.entity.AddMessage(entities.MessageRoleUser, ev.Text, c.now())
		c.send(s.sink, domain.NewTranscriptMessage(s.id, domain.RoleUser, ev.Text))

	case repositories.ProviderEventTextDelta:
		s.pending.WriteString(ev.Text)
		c.send(s.sink, domain.NewTextDeltaMessage(s.id, ev.Text))

	case repositories.ProviderEventAudioDelta:
		c.send(s.sink, domain.NewAudioDeltaMessage(s.id, base64.StdEncoding.EncodeToString(ev.Audio)))

	case repositories.ProviderEventSpeechStarted:
		// the interrupted response's partial text belongs to no later turn
		s.pending.Reset()
		c.send(s.sink, domain.NewSpeechStartedMessage(s.id))

	case repositories.ProviderEventSpeechStopped:
		c.send(s.sink, domain.NewSpeechStoppedMessage(s.id))

	case repositories.ProviderEventResponseDone:
		content := ev.Text
		if content == "" {
			content = s.pending.String()
		}
		s.pending.Reset()
		s.entity.AddMessage(entities.MessageRoleAssistant, content, c.now())
		s.entity.Usage.Add(ev.Usage)
		c.send(s.sink, domain.NewTranscriptMessage(s.id, domain.RoleAssistant, content))
		c.send(s.sink, domain.NewResponseDoneMessage(s.id, content))

	default:
		c.logger.Debug("Ignoring upstream event", zap.String("sessionID", s.id), zap.String("type", string(ev.Type)))
	}
}

// closeSession runs the Active -> Closing -> Closed transition. cause, when
// set, is emitted as an error before the summary. Calls for a session that is
// already closing are no-ops.
func (c *Coordinator) closeSession(s *session, cause error, fromPump bool) {
	s.mu.Lock()
	switch s.entity.State {
	case entities.SessionStateConnecting:
		s.endRequested = true
		s.mu.Unlock()
		return
	case entities.SessionStateActive:
	default:
		s.mu.Unlock()
		return
	}
	s.entity.State = entities.SessionStateClosing
	conn := s.conn
	s.mu.Unlock()

	if cause != nil {
		c.send(s.sink, domain.NewErrorMessage(s.id, domain.ErrorCodeUpstream, cause.Error()))
	}

	if err := conn.Close(); err != nil {
		c.logger.Warn("Failed to close upstream connection", zap.String("sessionID", s.id), zap.Error(err))
	}

	if !fromPump {
		select {
		case <-s.pumpDone:
		case <-time.After(c.cfg.CloseTimeout):
			c.logger.Warn("Timed out waiting for upstream events to drain", zap.String("sessionID", s.id))
		}
	}

	c.remove(s)

	now := c.now()
	s.mu.Lock()
	s.entity.EstimatedCost = c.cost.Estimate(s.entity.Usage)
	s.entity.Terminate(now)
	summary := s.entity.Clone()
	s.mu.Unlock()

	duration := summary.Duration(now)
	c.send(s.sink, domain.NewSessionClosedMessage(s.id, duration.Seconds(), summary.MessageCount, summary.EstimatedCost))

	c.logger.Info("Session closed",
		zap.String("sessionID", s.id),
		zap.String("userID", summary.UserID),
		zap.Duration("duration", duration),
		zap.Int("messageCount", summary.MessageCount),
		zap.Float64("estimatedCost", summary.EstimatedCost))

	c.archiveSession(summary)
}

func (c *Coordinator) archiveSession(summary *entities.Session) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ArchiveTimeout)
	defer cancel()
	if err := c.archive.Save(ctx, summary); err != nil {
		c.logger.Error("Failed to archive session", zap.String("sessionID", summary.ID), zap.Error(err))
	}
}

func (c *Coordinator) send(sink Sink, msg domain.ServerMessage) {
	if err := sink.Send(msg); err != nil {
		c.logger.Debug("Failed to deliver message",
			zap.String("type", string(msg.Kind())),
			zap.Error(err))
	}
}
