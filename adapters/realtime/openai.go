// Package realtime connects sessions to an OpenAI-compatible realtime speech
// API over a websocket.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

const (
	DefaultURL                = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultTranscriptionModel = "whisper-1"

	// TurnDetectionServerVAD lets the upstream detect speech boundaries
	TurnDetectionServerVAD = "server_vad"
	// TurnDetectionNone relies on explicit commits only
	TurnDetectionNone = "none"

	// upstream pcm16 is fixed at this rate
	requiredSampleRate = 24000

	writeWait     = 10 * time.Second
	eventsBufSize = 128
)

// Provider implements repositories.RealtimeProvider for the OpenAI realtime API
type Provider struct {
	apiKey             string
	url                string
	model              string
	turnDetection      string
	transcriptionModel string
	dialer             *websocket.Dialer
	logger             *zap.Logger
}

var _ repositories.RealtimeProvider = (*Provider)(nil)

// Option configures a Provider
type Option func(*Provider)

// WithURL overrides the realtime endpoint
func WithURL(u string) Option {
	return func(p *Provider) { p.url = u }
}

// WithModel selects the realtime model
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTurnDetection selects TurnDetectionServerVAD or TurnDetectionNone
func WithTurnDetection(mode string) Option {
	return func(p *Provider) { p.turnDetection = mode }
}

// WithTranscriptionModel selects the model used for user transcripts
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) { p.dialer = d }
}

// NewProvider creates a provider authenticating with apiKey
func NewProvider(apiKey string, logger *zap.Logger, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("realtime API key is required")
	}

	p := &Provider{
		apiKey:             apiKey,
		url:                DefaultURL,
		model:              DefaultModel,
		turnDetection:      TurnDetectionServerVAD,
		transcriptionModel: DefaultTranscriptionModel,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	switch p.turnDetection {
	case TurnDetectionServerVAD, TurnDetectionNone:
	default:
		return nil, fmt.Errorf("unsupported turn detection mode %q", p.turnDetection)
	}
	return p, nil
}

// Connect dials the upstream, applies the session configuration and waits
// until the upstream acknowledges it or ctx expires.
func (p *Provider) Connect(ctx context.Context, cfg repositories.RealtimeConfig) (repositories.RealtimeConn, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != requiredSampleRate {
		return nil, fmt.Errorf("realtime upstream requires %d Hz audio, got %d", requiredSampleRate, cfg.SampleRate)
	}

	endpoint, err := url.Parse(p.url)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", p.model)
	endpoint.RawQuery = query.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := p.dialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, domain.NewUpstreamError(domain.ErrorCodeConnectFailed, fmt.Errorf("dial realtime upstream: %w (status %d)", err, resp.StatusCode))
		}
		return nil, domain.NewUpstreamError(domain.ErrorCodeConnectFailed, fmt.Errorf("dial realtime upstream: %w", err))
	}

	c := &conn{
		ws:      ws,
		events:  make(chan repositories.ProviderEvent, eventsBufSize),
		closeCh: make(chan struct{}),
		logger:  p.logger.With(zap.String("sessionID", cfg.SessionID)),
	}

	update := newClientEvent(eventSessionUpdate)
	update.Session = p.sessionConfig(cfg)
	if err := c.send(update); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send session update: %w", err)
	}

	if err := c.awaitSession(ctx); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()

	c.logger.Info("Realtime upstream connected",
		zap.String("model", p.model),
		zap.String("turnDetection", p.turnDetection))
	return c, nil
}

func (p *Provider) sessionConfig(cfg repositories.RealtimeConfig) *sessionConfig {
	sc := &sessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionConfig{Model: p.transcriptionModel},
	}
	if p.turnDetection == TurnDetectionServerVAD {
		// Responses are requested on commit. VAD reports speech boundaries and
		// cancels a response the user talks over.
		sc.TurnDetection = &turnDetection{
			Type:              TurnDetectionServerVAD,
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
			CreateResponse:    false,
			InterruptResponse: true,
		}
	}
	return sc
}

type conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu      sync.Mutex
	pendingAudio bool

	events    chan repositories.ProviderEvent
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *conn) send(ev clientEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ev)
}

func (c *conn) writeLocked(ev clientEvent) error {
	select {
	case <-c.closeCh:
		return errors.New("realtime connection closed")
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", ev.Type, err)
	}
	return nil
}

// awaitSession reads until the upstream confirms the session configuration.
func (c *conn) awaitSession(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return domain.NewUpstreamError(domain.ErrorCodeConnectFailed, fmt.Errorf("await session: %w", ctx.Err()))
			}
			return domain.NewUpstreamError(domain.ErrorCodeConnectFailed, fmt.Errorf("await session: %w", err))
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Discarding malformed upstream event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case eventSessionUpdated:
			return nil
		case eventError:
			if ev.Error == nil {
				return domain.NewUpstreamError(domain.ErrorCodeConnectFailed, errors.New("session rejected"))
			}
			return domain.NewUpstreamError(ev.Error.code(), errors.New(ev.Error.Message))
		}
	}
}

func (c *conn) AppendAudio(pcm []byte) error {
	ev := newClientEvent(eventAudioAppend)
	ev.Audio = base64.StdEncoding.EncodeToString(pcm)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(ev); err != nil {
		return err
	}
	c.pendingAudio = true
	return nil
}

func (c *conn) Commit() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.pendingAudio {
		if err := c.writeLocked(newClientEvent(eventAudioCommit)); err != nil {
			return err
		}
		c.pendingAudio = false
	}
	return c.writeLocked(newClientEvent(eventResponseCreate))
}

func (c *conn) Events() <-chan repositories.ProviderEvent {
	return c.events
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.ws.Close()
	})
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			c.logger.Warn("Realtime upstream read failed", zap.Error(err))
			c.emit(repositories.ProviderEvent{
				Type: repositories.ProviderEventError,
				Err:  domain.NewUpstreamError("upstream_closed", err),
			})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Discarding malformed upstream event", zap.Error(err))
			continue
		}

		out, ok := c.translate(&ev)
		if !ok {
			continue
		}
		if !c.emit(out) {
			return
		}
		if out.Type == repositories.ProviderEventError {
			return
		}
	}
}

// translate maps an upstream event onto a provider event. ok is false for
// events that are consumed internally or not relayed.
func (c *conn) translate(ev *serverEvent) (repositories.ProviderEvent, bool) {
	switch ev.Type {
	case eventSpeechStarted:
		return repositories.ProviderEvent{Type: repositories.ProviderEventSpeechStarted}, true

	case eventSpeechStopped:
		return repositories.ProviderEvent{Type: repositories.ProviderEventSpeechStopped}, true

	case eventAudioCommitted:
		c.writeMu.Lock()
		c.pendingAudio = false
		c.writeMu.Unlock()
		return repositories.ProviderEvent{}, false

	case eventInputTranscript:
		return repositories.ProviderEvent{Type: repositories.ProviderEventUserTranscript, Text: ev.Transcript}, true

	case eventTextDelta, eventTranscriptDelta:
		if ev.Delta == "" {
			return repositories.ProviderEvent{}, false
		}
		return repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: ev.Delta}, true

	case eventAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logger.Warn("Discarding undecodable audio delta", zap.Error(err))
			return repositories.ProviderEvent{}, false
		}
		return repositories.ProviderEvent{Type: repositories.ProviderEventAudioDelta, Audio: pcm}, true

	case eventResponseDone:
		return c.translateResponse(ev.Response)

	case eventError:
		if ev.Error == nil {
			return repositories.ProviderEvent{
				Type: repositories.ProviderEventError,
				Err:  domain.NewUpstreamError(domain.ErrorCodeUpstream, errors.New("unspecified upstream error")),
			}, true
		}
		code := ev.Error.code()
		if benignErrorCodes[code] {
			c.logger.Warn("Ignoring upstream error", zap.String("code", code), zap.String("message", ev.Error.Message))
			return repositories.ProviderEvent{}, false
		}
		return repositories.ProviderEvent{
			Type: repositories.ProviderEventError,
			Err:  domain.NewUpstreamError(code, errors.New(ev.Error.Message)),
		}, true
	}
	return repositories.ProviderEvent{}, false
}

func (c *conn) translateResponse(resp *responseResource) (repositories.ProviderEvent, bool) {
	if resp == nil {
		return repositories.ProviderEvent{Type: repositories.ProviderEventResponseDone}, true
	}

	switch resp.Status {
	case responseStatusCanceled:
		// interrupted by the user; the partial reply is not a completed message
		c.logger.Debug("Upstream response cancelled", zap.String("responseID", resp.ID))
		return repositories.ProviderEvent{}, false
	case responseStatusFailed:
		err := errors.New("response failed")
		code := domain.ErrorCodeUpstream
		if resp.StatusDetails != nil && resp.StatusDetails.Error != nil {
			err = errors.New(resp.StatusDetails.Error.Message)
			if ec := resp.StatusDetails.Error.code(); ec != "" {
				code = ec
			}
		}
		return repositories.ProviderEvent{Type: repositories.ProviderEventError, Err: domain.NewUpstreamError(code, err)}, true
	}

	return repositories.ProviderEvent{
		Type:  repositories.ProviderEventResponseDone,
		Text:  resp.text(),
		Usage: resp.Usage.toEntity(),
	}, true
}

func (c *conn) emit(ev repositories.ProviderEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closeCh:
		return false
	}
}
