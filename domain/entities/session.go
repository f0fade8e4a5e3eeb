package entities

import (
	"errors"
	"time"
)

// SessionState is the lifecycle state of a relay session
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateActive     SessionState = "active"
	SessionStateClosing    SessionState = "closing"
	SessionStateClosed     SessionState = "closed"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// TranscriptMessage is one finalized utterance within a session
type TranscriptMessage struct {
	Role      MessageRole `json:"role" bson:"role"`
	Content   string      `json:"content" bson:"content"`
	CreatedAt time.Time   `json:"createdAt" bson:"created_at"`
}

// Usage is the token accounting reported by the upstream provider
type Usage struct {
	InputTextTokens   int `json:"inputTextTokens" bson:"input_text_tokens"`
	InputAudioTokens  int `json:"inputAudioTokens" bson:"input_audio_tokens"`
	OutputTextTokens  int `json:"outputTextTokens" bson:"output_text_tokens"`
	OutputAudioTokens int `json:"outputAudioTokens" bson:"output_audio_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTextTokens += other.InputTextTokens
	u.InputAudioTokens += other.InputAudioTokens
	u.OutputTextTokens += other.OutputTextTokens
	u.OutputAudioTokens += other.OutputAudioTokens
}

// Total returns the sum of all token counts.
func (u Usage) Total() int {
	return u.InputTextTokens + u.InputAudioTokens + u.OutputTextTokens + u.OutputAudioTokens
}

// Session represents a voice conversation between a user and the upstream provider
type Session struct {
	ID            string              `json:"sessionId" bson:"_id"`
	UserID        string              `json:"userId" bson:"user_id"`
	CreatedAt     time.Time           `json:"createdAt" bson:"created_at"`
	TerminatedAt  *time.Time          `json:"terminatedAt,omitempty" bson:"terminated_at,omitempty"`
	MessageCount  int                 `json:"messageCount" bson:"message_count"`
	EstimatedCost float64             `json:"estimatedCost" bson:"estimated_cost"`
	State         SessionState        `json:"state" bson:"state"`
	Transcript    []TranscriptMessage `json:"transcript" bson:"transcript"`
	Usage         Usage               `json:"usage" bson:"usage"`
}

// NewSession creates a session in the idle state
func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		State:      SessionStateIdle,
		Transcript: make([]TranscriptMessage, 0),
	}
}

// AddMessage appends a transcript entry. Assistant entries count as a
// completed exchange.
func (s *Session) AddMessage(role MessageRole, content string, at time.Time) {
	s.Transcript = append(s.Transcript, TranscriptMessage{
		Role:      role,
		Content:   content,
		CreatedAt: at,
	})
	if role == MessageRoleAssistant {
		s.MessageCount++
	}
}

// Terminate stamps the termination time and moves the session to closed
func (s *Session) Terminate(at time.Time) {
	if s.TerminatedAt == nil {
		s.TerminatedAt = &at
	}
	s.State = SessionStateClosed
}

// Duration returns the elapsed time between creation and termination, or
// until now when the session is still open.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.TerminatedAt != nil {
		end = *s.TerminatedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}

// IsActive reports whether the session accepts audio
func (s *Session) IsActive() bool {
	return s.State == SessionStateActive
}

// Clone returns a deep copy suitable for handing to another goroutine
func (s *Session) Clone() *Session {
	c := *s
	c.Transcript = append([]TranscriptMessage(nil), s.Transcript...)
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}

	if s.UserID == "" {
		return errors.New("user id is required")
	}

	switch s.State {
	case SessionStateIdle, SessionStateConnecting, SessionStateActive, SessionStateClosing, SessionStateClosed:
	default:
		return errors.New("invalid session state")
	}

	return nil
}
