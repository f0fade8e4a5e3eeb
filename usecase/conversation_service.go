package usecase

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// ConversationConfig configures the cascade pipeline
type ConversationConfig struct {
	Language     string
	Encoding     string
	Instructions string
}

// ConversationService is a realtime provider built from separate speech
// recognition, chat and speech synthesis services. Each committed utterance
// is transcribed, answered and synthesized in turn.
type ConversationService struct {
	speechToText repositories.SpeechToText
	textToSpeech repositories.TextToSpeech
	chatService  *ChatService
	config       ConversationConfig
	logger       *zap.Logger
}

var _ repositories.RealtimeProvider = (*ConversationService)(nil)

// NewConversationService creates a new conversation service
func NewConversationService(
	stt repositories.SpeechToText,
	tts repositories.TextToSpeech,
	chatService *ChatService,
	config ConversationConfig,
	logger *zap.Logger,
) *ConversationService {
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.Encoding == "" {
		config.Encoding = "LINEAR16"
	}
	return &ConversationService{
		speechToText: stt,
		textToSpeech: tts,
		chatService:  chatService,
		config:       config,
		logger:       logger,
	}
}

// Connect implements repositories.RealtimeProvider
func (s *ConversationService) Connect(ctx context.Context, cfg repositories.RealtimeConfig) (repositories.RealtimeConn, error) {
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = s.config.Instructions
	}

	chat, err := s.chatService.StartConversation(ctx, instructions)
	if err != nil {
		return nil, domain.NewUpstreamError("chat_unavailable", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &conversationConn{
		service: s,
		cfg:     cfg,
		chat:    chat,
		ctx:     connCtx,
		cancel:  cancel,
		events:  make(chan repositories.ProviderEvent, 64),
		logger:  s.logger.With(zap.String("sessionID", cfg.SessionID)),
	}

	s.logger.Info("Cascade conversation connected",
		zap.String("sessionID", cfg.SessionID),
		zap.String("language", s.config.Language))

	return conn, nil
}

type conversationConn struct {
	service *ConversationService
	cfg     repositories.RealtimeConfig
	chat    repositories.ChatSession
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan repositories.ProviderEvent
	logger  *zap.Logger

	mu         sync.Mutex
	closed     bool
	stream     repositories.SpeechToTextStreaming
	turnCancel context.CancelFunc
	turnMu     sync.Mutex
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func (c *conversationConn) AppendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("conversation closed")
	}

	if c.stream == nil {
		stream, err := c.service.speechToText.InitTranscribeStreaming(c.ctx, repositories.AudioConfig{
			SampleRate: c.cfg.SampleRate,
			Encoding:   c.service.config.Encoding,
			Language:   c.service.config.Language,
		})
		if err != nil {
			return domain.NewUpstreamError("stt_unavailable", err)
		}
		c.stream = stream

		// A new utterance interrupts whatever the tutor is still saying.
		if c.turnCancel != nil {
			c.turnCancel()
			c.turnCancel = nil
		}
		c.emit(repositories.ProviderEvent{Type: repositories.ProviderEventSpeechStarted})
	}

	if err := c.stream.Stream(pcm); err != nil {
		return domain.NewUpstreamError("stt_stream_failed", err)
	}
	return nil
}

func (c *conversationConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("conversation closed")
	}

	stream := c.stream
	c.stream = nil
	if stream == nil {
		c.logger.Debug("Commit without buffered audio ignored")
		return nil
	}

	c.emit(repositories.ProviderEvent{Type: repositories.ProviderEventSpeechStopped})

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.respond(turnCtx, stream)
	}()
	return nil
}

func (c *conversationConn) Events() <-chan repositories.ProviderEvent {
	return c.events
}

func (c *conversationConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stream := c.stream
		c.stream = nil
		c.mu.Unlock()

		c.cancel()
		if stream != nil {
			// release the recognizer; the result is irrelevant now
			stream.End()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

// respond runs one turn. Turns are serialized so replies keep their order.
func (c *conversationConn) respond(ctx context.Context, stream repositories.SpeechToTextStreaming) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	transcript, err := stream.End()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail("stt_failed", err)
		return
	}
	c.emit(repositories.ProviderEvent{Type: repositories.ProviderEventUserTranscript, Text: transcript})

	reply, err := c.service.chatService.Reply(ctx, c.chat, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail("llm_failed", err)
		return
	}
	c.emit(repositories.ProviderEvent{Type: repositories.ProviderEventTextDelta, Text: reply.Content})

	audio, err := c.service.textToSpeech.ConvertTextToSpeech(ctx, reply.Content)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail("tts_failed", err)
		return
	}

	for chunk := range audio {
		if ctx.Err() != nil {
			break
		}
		if !c.emit(repositories.ProviderEvent{Type: repositories.ProviderEventAudioDelta, Audio: chunk}) {
			return
		}
	}
	if ctx.Err() != nil {
		c.logger.Debug("Turn interrupted before completion")
		return
	}

	c.emit(repositories.ProviderEvent{
		Type:  repositories.ProviderEventResponseDone,
		Text:  reply.Content,
		Usage: reply.Usage,
	})
}

func (c *conversationConn) fail(code string, err error) {
	c.logger.Error("Cascade turn failed", zap.String("code", code), zap.Error(err))
	c.emit(repositories.ProviderEvent{
		Type: repositories.ProviderEventError,
		Err:  domain.NewUpstreamError(code, err),
	})
}

// emit reports false once the connection is shutting down.
func (c *conversationConn) emit(ev repositories.ProviderEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
