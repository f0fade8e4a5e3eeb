// Package voiceclient is a websocket client for the relay. It streams
// captured audio up and feeds assistant audio into a playback engine.
package voiceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/playback"
)

const (
	writeWait   = 10 * time.Second
	controlSize = 64
)

// Player receives decoded assistant audio. *playback.Engine satisfies it.
type Player interface {
	Enqueue(pcm []byte) (float64, error)
	Interrupt() int
}

var _ Player = (*playback.Engine)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates the upgrade with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPlayer routes audio deltas to p and interrupts it on speech-started.
func WithPlayer(p Player) Option {
	return func(c *Client) { c.player = p }
}

// WithMessageHandler is called for every server message after it has been
// applied to the player.
func WithMessageHandler(fn func(domain.ServerMessage)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// Client is one websocket connection carrying at most one session.
type Client struct {
	token     string
	player    Player
	onMessage func(domain.ServerMessage)
	logger    *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string

	control   chan domain.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the relay websocket at url.
func Dial(ctx context.Context, url string, logger *zap.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		logger:  logger,
		control: make(chan domain.ServerMessage, controlSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", domain.ErrTransport, url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, url, err)
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// StartSession opens sessionID and waits for the server to confirm it.
func (c *Client) StartSession(ctx context.Context, sessionID, userID string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	if err := c.write(domain.NewStartSessionMessage(sessionID, userID)); err != nil {
		return err
	}

	if _, err := c.await(ctx, domain.MessageTypeConnected); err != nil {
		return err
	}
	c.logger.Info("Session started", zap.String("sessionID", sessionID))
	return nil
}

// SendChunk implements capture.Transport.
func (c *Client) SendChunk(pcm []byte) error {
	return c.write(domain.NewAudioChunkMessage(c.currentSession(), base64.StdEncoding.EncodeToString(pcm)))
}

// Commit implements capture.Transport.
func (c *Client) Commit() error {
	return c.write(domain.NewCommitAudioMessage(c.currentSession()))
}

// EndSession ends the current session and returns its summary.
func (c *Client) EndSession(ctx context.Context) (*domain.SessionClosedMessage, error) {
	if err := c.write(domain.NewEndSessionMessage(c.currentSession())); err != nil {
		return nil, err
	}
	return c.WaitClosed(ctx)
}

// WaitClosed blocks until the server reports the session closed.
func (c *Client) WaitClosed(ctx context.Context) (*domain.SessionClosedMessage, error) {
	msg, err := c.await(ctx, domain.MessageTypeSessionClosed)
	if err != nil {
		return nil, err
	}
	return msg.(*domain.SessionClosedMessage), nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}

// await returns the next control message of kind. An error message for the
// current session is returned as an UpstreamError.
func (c *Client) await(ctx context.Context, kind domain.MessageType) (domain.ServerMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, fmt.Errorf("%w: connection closed: %v", domain.ErrTransport, c.readErr)
		case msg := <-c.control:
			if msg.Kind() == kind {
				return msg, nil
			}
			if e, ok := msg.(*domain.ErrorMessage); ok {
				return nil, domain.NewUpstreamError(e.Code, fmt.Errorf("%s", e.Message))
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("Relay connection ended", zap.Error(err))
			}
			c.readErr = err
			return
		}

		msg, err := domain.DecodeServerMessage(data)
		if err != nil {
			c.logger.Warn("Ignoring undecodable frame", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg domain.ServerMessage) {
	switch m := msg.(type) {
	case *domain.AudioDeltaMessage:
		if c.player != nil {
			pcm, err := base64.StdEncoding.DecodeString(m.AudioChunk)
			if err != nil {
				c.logger.Warn("Invalid audio delta", zap.Error(err))
				break
			}
			if _, err := c.player.Enqueue(pcm); err != nil {
				c.logger.Warn("Failed to schedule audio delta", zap.Error(err))
			}
		}
	case *domain.SpeechStartedMessage:
		if c.player != nil {
			c.player.Interrupt()
		}
	case *domain.ConnectedMessage, *domain.SessionClosedMessage, *domain.ErrorMessage:
		select {
		case c.control <- msg:
		default:
			c.logger.Warn("Dropping control message", zap.String("type", string(msg.Kind())))
		}
	}

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}
