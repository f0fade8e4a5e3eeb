package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

type fakeConn struct {
	mu       sync.Mutex
	audio    [][]byte
	commits  int
	closed   bool
	events   chan repositories.ProviderEvent
	onCommit func(*fakeConn)
}

func newFakeConn(onCommit func(*fakeConn)) *fakeConn {
	return &fakeConn{events: make(chan repositories.ProviderEvent, 256), onCommit: onCommit}
}

func (f *fakeConn) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeConn) Commit() error {
	f.mu.Lock()
	f.commits++
	cb := f.onCommit
	f.mu.Unlock()
	if cb != nil {
		cb(f)
	}
	return nil
}

func (f *fakeConn) Events() <-chan repositories.ProviderEvent { return f.events }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// emit reports false once the connection is closed.
func (f *fakeConn) emit(ev repositories.ProviderEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events <- ev
	return true
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	dials    int
	conns    map[string]*fakeConn
	onCommit func(*fakeConn)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{conns: make(map[string]*fakeConn)}
}

func (p *fakeProvider) Connect(ctx context.Context, cfg repositories.RealtimeConfig) (repositories.RealtimeConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.err != nil {
		return nil, p.err
	}
	conn := newFakeConn(p.onCommit)
	p.conns[cfg.SessionID] = conn
	return conn, nil
}

func (p *fakeProvider) conn(id string) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []domain.ServerMessage
}

func (r *recordingSink) Send(msg domain.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) messages() []domain.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ServerMessage(nil), r.msgs...)
}

func (r *recordingSink) count(kind domain.MessageType) int {
	n := 0
	for _, m := range r.messages() {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recordingSink) waitFor(t *testing.T, kind domain.MessageType) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(kind) > 0 }, 2*time.Second, 5*time.Millisecond,
		"timed out waiting for %s", kind)
}

func newTestCoordinator(t *testing.T, provider repositories.RealtimeProvider, opts ...Option) *Coordinator {
	return NewCoordinator(provider, Config{CloseTimeout: time.Second}, zaptest.NewLogger(t), opts...)
}

func pcmChunk(seq byte, samples int) []byte {
	return bytes.Repeat([]byte{seq, 0}, samples)
}

func TestForwardAudioChunkPreservesOrder(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	require.NoError(t, c.Handle(context.Background(), sink, StartSession{SessionID: "s1", UserID: "u1"}))
	require.Equal(t, domain.MessageTypeConnected, sink.messages()[0].Kind())

	var sent [][]byte
	for i := 0; i < 20; i++ {
		chunk := pcmChunk(byte(i), 64)
		sent = append(sent, chunk)
		require.NoError(t, c.Handle(context.Background(), sink, AudioChunk{SessionID: "s1", PCM: chunk}))
	}

	assert.Equal(t, sent, provider.conn("s1").received())
}

func TestDuplicateStartSessionIsRejected(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	first := &recordingSink{}
	second := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), first, "s1", "u1"))

	err := c.StartSession(context.Background(), second, "s1", "u2")
	require.ErrorIs(t, err, domain.ErrSessionExists)

	msgs := second.messages()
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].(*domain.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorCodeSessionExists, errMsg.Code)

	// The original session is untouched.
	assert.Equal(t, 1, provider.dials)
	assert.Equal(t, 1, c.ActiveSessions())
	require.NoError(t, c.ForwardAudioChunk("s1", pcmChunk(1, 8)))
	snapshot, ok := c.Session("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", snapshot.UserID)
	assert.Equal(t, entities.SessionStateActive, snapshot.State)
}

func TestEndSessionEmitsExactlyOneSummary(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	conn := provider.conn("s1")

	// Keep the upstream busy while the session is torn down.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: "x"}) {
				return
			}
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventAudioDelta, Audio: []byte{0, 0}})
		}
	}()
	sink.waitFor(t, domain.MessageTypeTextDelta)

	require.NoError(t, c.EndSession("s1"))
	close(stop)
	wg.Wait()

	err := c.EndSession("s1")
	require.ErrorIs(t, err, domain.ErrUnknownSession)

	msgs := sink.messages()
	assert.Equal(t, 1, sink.count(domain.MessageTypeSessionClosed))
	assert.Equal(t, domain.MessageTypeSessionClosed, msgs[len(msgs)-1].Kind())
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestThreeChunkScenario(t *testing.T) {
	provider := newFakeProvider()
	provider.onCommit = func(conn *fakeConn) {
		go func() {
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventUserTranscript, Text: "hello"})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: "Hi "})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: "there"})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventAudioDelta, Audio: []byte{1, 0, 2, 0}})
			conn.emit(repositories.ProviderEvent{
				Type:  repositories.ProviderEventResponseDone,
				Usage: entities.Usage{InputAudioTokens: 100, OutputAudioTokens: 200},
			})
		}()
	}
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, sink, StartSession{SessionID: "s1", UserID: "u1"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Handle(ctx, sink, AudioChunk{SessionID: "s1", PCM: pcmChunk(byte(i), 4096)}))
	}
	require.NoError(t, c.Handle(ctx, sink, CommitAudio{SessionID: "s1"}))
	sink.waitFor(t, domain.MessageTypeResponseDone)
	require.NoError(t, c.Handle(ctx, sink, EndSession{SessionID: "s1"}))

	assert.Len(t, provider.conn("s1").received(), 3)

	var kinds []domain.MessageType
	var closed *domain.SessionClosedMessage
	var done *domain.ResponseDoneMessage
	var audio *domain.AudioDeltaMessage
	for _, m := range sink.messages() {
		kinds = append(kinds, m.Kind())
		switch v := m.(type) {
		case *domain.SessionClosedMessage:
			closed = v
		case *domain.ResponseDoneMessage:
			done = v
		case *domain.AudioDeltaMessage:
			audio = v
		}
	}

	assert.Equal(t, []domain.MessageType{
		domain.MessageTypeConnected,
		domain.MessageTypeTranscript,
		domain.MessageTypeTextDelta,
		domain.MessageTypeTextDelta,
		domain.MessageTypeAudioDelta,
		domain.MessageTypeTranscript,
		domain.MessageTypeResponseDone,
		domain.MessageTypeSessionClosed,
	}, kinds)

	require.NotNil(t, done)
	assert.Equal(t, "Hi there", done.Content)
	require.NotNil(t, audio)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}), audio.AudioChunk)
	require.NotNil(t, closed)
	assert.Equal(t, "s1", closed.SessionID)
	assert.Equal(t, 1, closed.MessageCount)
	assert.GreaterOrEqual(t, closed.TotalDuration, 0.0)
}

func TestBargeInDiscardsPartialResponseText(t *testing.T) {
	provider := newFakeProvider()
	provider.onCommit = func(conn *fakeConn) {
		go func() {
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: "Sorry, I was say"})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventSpeechStarted})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: "Go ahead."})
			conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventResponseDone})
		}()
	}
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, sink, StartSession{SessionID: "s1", UserID: "u1"}))
	require.NoError(t, c.Handle(ctx, sink, CommitAudio{SessionID: "s1"}))
	sink.waitFor(t, domain.MessageTypeResponseDone)

	var done *domain.ResponseDoneMessage
	for _, m := range sink.messages() {
		if v, ok := m.(*domain.ResponseDoneMessage); ok {
			done = v
		}
	}
	require.NotNil(t, done)
	assert.Equal(t, "Go ahead.", done.Content)
	assert.Equal(t, 1, sink.count(domain.MessageTypeSpeechStarted))
}

func TestChunkForUnknownSessionIsDroppedWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewCoordinator(newFakeProvider(), Config{}, zap.New(core))
	sink := &recordingSink{}

	var err error
	require.NotPanics(t, func() {
		err = c.Handle(context.Background(), sink, AudioChunk{SessionID: "missing", PCM: []byte{0, 0}})
	})
	require.ErrorIs(t, err, domain.ErrInvalidSessionState)
	assert.Empty(t, sink.messages())

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "missing", warnings[0].ContextMap()["sessionID"])
}

func TestCommitOnInactiveSessionIsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	provider := newFakeProvider()
	c := NewCoordinator(provider, Config{}, zap.New(core))
	sink := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	require.NoError(t, c.EndSession("s1"))
	before := len(sink.messages())

	err := c.CommitAudio("s1")
	require.ErrorIs(t, err, domain.ErrInvalidSessionState)
	assert.Len(t, sink.messages(), before)
	assert.Equal(t, 0, provider.conn("s1").commits)
	assert.Equal(t, 1, logs.FilterMessage("Dropping event for unknown session").Len())
}

func TestProviderErrorEmitsErrorThenSummary(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	provider.conn("s1").emit(repositories.ProviderEvent{
		Type: repositories.ProviderEventError,
		Err:  domain.NewUpstreamError("rate_limit_exceeded", errors.New("too many requests")),
	})
	sink.waitFor(t, domain.MessageTypeSessionClosed)

	msgs := sink.messages()
	require.Len(t, msgs, 3)
	errMsg, ok := msgs[1].(*domain.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "rate_limit_exceeded: too many requests", errMsg.Message)
	assert.Equal(t, domain.MessageTypeSessionClosed, msgs[2].Kind())

	require.Eventually(t, func() bool { return c.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.ForwardAudioChunk("s1", []byte{0, 0}), domain.ErrInvalidSessionState)
}

func TestUpstreamClosingUnexpectedlyEndsSession(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	require.NoError(t, provider.conn("s1").Close())

	sink.waitFor(t, domain.MessageTypeSessionClosed)
	assert.Equal(t, 1, sink.count(domain.MessageTypeError))
	assert.Equal(t, 1, sink.count(domain.MessageTypeSessionClosed))
}

func TestConnectFailureLeavesIDReusable(t *testing.T) {
	provider := newFakeProvider()
	provider.err = errors.New("dial tcp: connection refused")
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	err := c.StartSession(context.Background(), sink, "s1", "u1")
	var upstreamErr *domain.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	errMsg := msgs[0].(*domain.ErrorMessage)
	assert.Equal(t, domain.ErrorCodeConnectFailed, errMsg.Code)
	assert.Equal(t, "dial tcp: connection refused", errMsg.Message)
	assert.Equal(t, 0, c.ActiveSessions())

	provider.mu.Lock()
	provider.err = nil
	provider.mu.Unlock()
	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	assert.Equal(t, 1, c.ActiveSessions())
}

func TestDisconnectEndsOwnedSessionsOnly(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	a := &recordingSink{}
	b := &recordingSink{}
	ctx := context.Background()

	require.NoError(t, c.StartSession(ctx, a, "a1", "u1"))
	require.NoError(t, c.StartSession(ctx, a, "a2", "u1"))
	require.NoError(t, c.StartSession(ctx, b, "b1", "u2"))

	assert.Equal(t, 2, c.Disconnect(a))
	assert.Equal(t, 1, c.ActiveSessions())
	assert.Equal(t, 2, a.count(domain.MessageTypeSessionClosed))
	assert.Equal(t, 0, b.count(domain.MessageTypeSessionClosed))
	assert.True(t, provider.conn("a1").closed)
	assert.False(t, provider.conn("b1").closed)
}

func TestHandleRejectsEventsFromAnotherClient(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	owner := &recordingSink{}
	intruder := &recordingSink{}
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, owner, StartSession{SessionID: "s1", UserID: "u1"}))

	err := c.Handle(ctx, intruder, EndSession{SessionID: "s1"})
	require.ErrorIs(t, err, domain.ErrInvalidSessionState)
	err = c.Handle(ctx, intruder, AudioChunk{SessionID: "s1", PCM: []byte{0, 0}})
	require.ErrorIs(t, err, domain.ErrInvalidSessionState)

	assert.Equal(t, 1, c.ActiveSessions())
	assert.Empty(t, provider.conn("s1").received())
	assert.Empty(t, intruder.messages())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestReapIdleAndSummaryDuration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider, WithClock(clock.Now))
	idle := &recordingSink{}
	busy := &recordingSink{}
	ctx := context.Background()

	require.NoError(t, c.StartSession(ctx, idle, "idle", "u1"))
	require.NoError(t, c.StartSession(ctx, busy, "busy", "u2"))

	clock.Advance(4 * time.Minute)
	require.NoError(t, c.ForwardAudioChunk("busy", []byte{0, 0}))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.ReapIdle(5*time.Minute))
	assert.Equal(t, 1, c.ActiveSessions())

	msgs := idle.messages()
	closed, ok := msgs[len(msgs)-1].(*domain.SessionClosedMessage)
	require.True(t, ok)
	assert.Equal(t, 360.0, closed.TotalDuration)
	assert.Equal(t, 0, busy.count(domain.MessageTypeSessionClosed))
}

type memoryArchive struct {
	mu    sync.Mutex
	saved []*entities.Session
}

func (m *memoryArchive) Save(ctx context.Context, s *entities.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func (m *memoryArchive) GetByID(ctx context.Context, id string) (*entities.Session, error) {
	return nil, repositories.ErrSessionNotFound
}

func (m *memoryArchive) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.Session, error) {
	return nil, nil
}

func TestClosedSessionIsCostedAndArchived(t *testing.T) {
	provider := newFakeProvider()
	provider.onCommit = func(conn *fakeConn) {
		conn.emit(repositories.ProviderEvent{Type: repositories.ProviderEventResponseDone, Text: "Good job!",
			Usage: entities.Usage{InputAudioTokens: 1000, OutputAudioTokens: 2000}})
	}
	archive := &memoryArchive{}
	c := newTestCoordinator(t, provider,
		WithArchive(archive),
		WithCostEstimator(RateCard{InputAudioPerMillion: 40, OutputAudioPerMillion: 80}))
	sink := &recordingSink{}

	require.NoError(t, c.StartSession(context.Background(), sink, "s1", "u1"))
	require.NoError(t, c.CommitAudio("s1"))
	sink.waitFor(t, domain.MessageTypeResponseDone)
	require.NoError(t, c.EndSession("s1"))

	msgs := sink.messages()
	closed := msgs[len(msgs)-1].(*domain.SessionClosedMessage)
	assert.InDelta(t, 0.2, closed.EstimatedCost, 1e-9)

	require.Len(t, archive.saved, 1)
	saved := archive.saved[0]
	assert.Equal(t, "s1", saved.ID)
	assert.Equal(t, entities.SessionStateClosed, saved.State)
	assert.NotNil(t, saved.TerminatedAt)
	require.Len(t, saved.Transcript, 1)
	assert.Equal(t, "Good job!", saved.Transcript[0].Content)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	provider := newFakeProvider()
	c := newTestCoordinator(t, provider)
	sink := &recordingSink{}

	for i := 0; i < 5; i++ {
		require.NoError(t, c.StartSession(context.Background(), sink, fmt.Sprintf("s%d", i), "u1"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 0, c.ActiveSessions())
	assert.Equal(t, 5, sink.count(domain.MessageTypeSessionClosed))
}
