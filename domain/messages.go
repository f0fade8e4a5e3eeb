package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the discriminator carried in the "type" field of every frame.
type MessageType string

// Client -> server
const (
	MessageTypeStartSession MessageType = "start-session"
	MessageTypeAudioChunk   MessageType = "audio-chunk"
	MessageTypeCommitAudio  MessageType = "commit-audio"
	MessageTypeEndSession   MessageType = "end-session"
)

// Server -> client
const (
	MessageTypeConnected     MessageType = "connected"
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeTextDelta     MessageType = "text-delta"
	MessageTypeAudioDelta    MessageType = "audio-delta"
	MessageTypeResponseDone  MessageType = "response-done"
	MessageTypeSpeechStarted MessageType = "speech-started"
	MessageTypeSpeechStopped MessageType = "speech-stopped"
	MessageTypeSessionClosed MessageType = "session-closed"
	MessageTypeError         MessageType = "error"
)

// Role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Error codes carried by ErrorMessage.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeSessionExists  = "session_exists"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeUpstream       = "upstream_error"
	ErrorCodeConnectFailed  = "connect_failed"
	ErrorCodeInternal       = "internal_error"
)

// BaseMessage contains the fields shared by every frame.
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Kind returns the message discriminator.
func (b BaseMessage) Kind() MessageType {
	return b.Type
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// ClientMessage is one of StartSessionMessage, AudioChunkMessage,
// CommitAudioMessage or EndSessionMessage.
type ClientMessage interface {
	Kind() MessageType
	TargetSession() string
}

// ServerMessage is any frame the server emits to a client.
type ServerMessage interface {
	Kind() MessageType
}

// StartSessionMessage opens a relay session.
type StartSessionMessage struct {
	BaseMessage
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

func (m StartSessionMessage) TargetSession() string { return m.SessionID }

// AudioChunkMessage carries base64 encoded PCM16LE mono audio.
type AudioChunkMessage struct {
	BaseMessage
	SessionID  string `json:"sessionId"`
	AudioChunk string `json:"audioChunk"`
}

func (m AudioChunkMessage) TargetSession() string { return m.SessionID }

// CommitAudioMessage marks the end of a user utterance.
type CommitAudioMessage struct {
	BaseMessage
	SessionID string `json:"sessionId"`
}

func (m CommitAudioMessage) TargetSession() string { return m.SessionID }

// EndSessionMessage asks the server to tear a session down.
type EndSessionMessage struct {
	BaseMessage
	SessionID string `json:"sessionId"`
}

func (m EndSessionMessage) TargetSession() string { return m.SessionID }

// ConnectedMessage acknowledges an established upstream connection.
type ConnectedMessage struct {
	BaseMessage
	SessionID string `json:"sessionId"`
}

// TranscriptMessage is a finalized user or assistant utterance.
type TranscriptMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
}

// TextDeltaMessage is an incremental piece of assistant text.
type TextDeltaMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
	TextChunk string `json:"textChunk"`
}

// AudioDeltaMessage is base64 encoded PCM16LE assistant audio.
type AudioDeltaMessage struct {
	BaseMessage
	SessionID  string `json:"sessionId,omitempty"`
	AudioChunk string `json:"audioChunk"`
}

// ResponseDoneMessage closes an assistant turn.
type ResponseDoneMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content"`
}

// SpeechStartedMessage signals that the user began speaking (barge-in trigger).
type SpeechStartedMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
}

// SpeechStoppedMessage signals that the user stopped speaking.
type SpeechStoppedMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
}

// SessionClosedMessage carries the end-of-session summary.
type SessionClosedMessage struct {
	BaseMessage
	SessionID     string  `json:"sessionId"`
	TotalDuration float64 `json:"totalDuration"` // seconds
	MessageCount  int     `json:"messageCount"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// ErrorMessage reports a failure to the client.
type ErrorMessage struct {
	BaseMessage
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

func NewStartSessionMessage(sessionID, userID string) *StartSessionMessage {
	return &StartSessionMessage{BaseMessage: newBase(MessageTypeStartSession), SessionID: sessionID, UserID: userID}
}

func NewAudioChunkMessage(sessionID, audioChunk string) *AudioChunkMessage {
	return &AudioChunkMessage{BaseMessage: newBase(MessageTypeAudioChunk), SessionID: sessionID, AudioChunk: audioChunk}
}

func NewCommitAudioMessage(sessionID string) *CommitAudioMessage {
	return &CommitAudioMessage{BaseMessage: newBase(MessageTypeCommitAudio), SessionID: sessionID}
}

func NewEndSessionMessage(sessionID string) *EndSessionMessage {
	return &EndSessionMessage{BaseMessage: newBase(MessageTypeEndSession), SessionID: sessionID}
}

func NewConnectedMessage(sessionID string) *ConnectedMessage {
	return &ConnectedMessage{BaseMessage: newBase(MessageTypeConnected), SessionID: sessionID}
}

func NewTranscriptMessage(sessionID string, role Role, content string) *TranscriptMessage {
	return &TranscriptMessage{BaseMessage: newBase(MessageTypeTranscript), SessionID: sessionID, Role: role, Content: content}
}

func NewTextDeltaMessage(sessionID, chunk string) *TextDeltaMessage {
	return &TextDeltaMessage{BaseMessage: newBase(MessageTypeTextDelta), SessionID: sessionID, TextChunk: chunk}
}

func NewAudioDeltaMessage(sessionID, chunk string) *AudioDeltaMessage {
	return &AudioDeltaMessage{BaseMessage: newBase(MessageTypeAudioDelta), SessionID: sessionID, AudioChunk: chunk}
}

func NewResponseDoneMessage(sessionID, content string) *ResponseDoneMessage {
	return &ResponseDoneMessage{BaseMessage: newBase(MessageTypeResponseDone), SessionID: sessionID, Content: content}
}

func NewSpeechStartedMessage(sessionID string) *SpeechStartedMessage {
	return &SpeechStartedMessage{BaseMessage: newBase(MessageTypeSpeechStarted), SessionID: sessionID}
}

func NewSpeechStoppedMessage(sessionID string) *SpeechStoppedMessage {
	return &SpeechStoppedMessage{BaseMessage: newBase(MessageTypeSpeechStopped), SessionID: sessionID}
}

func NewSessionClosedMessage(sessionID string, totalDuration float64, messageCount int, estimatedCost float64) *SessionClosedMessage {
	return &SessionClosedMessage{
		BaseMessage:   newBase(MessageTypeSessionClosed),
		SessionID:     sessionID,
		TotalDuration: totalDuration,
		MessageCount:  messageCount,
		EstimatedCost: estimatedCost,
	}
}

func NewErrorMessage(sessionID, code, message string) *ErrorMessage {
	return &ErrorMessage{BaseMessage: newBase(MessageTypeError), SessionID: sessionID, Code: code, Message: message}
}

// PeekType reads only the discriminator of a frame.
func PeekType(data []byte) (MessageType, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if base.Type == "" {
		return "", fmt.Errorf("message type is required")
	}
	return base.Type, nil
}

// DecodeClientMessage parses a client frame into its concrete type.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	switch t {
	case MessageTypeStartSession:
		msg = &StartSessionMessage{}
	case MessageTypeAudioChunk:
		msg = &AudioChunkMessage{}
	case MessageTypeCommitAudio:
		msg = &CommitAudioMessage{}
	case MessageTypeEndSession:
		msg = &EndSessionMessage{}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", t, err)
	}
	return msg, nil
}

// DecodeServerMessage parses a server frame into its concrete type.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var msg ServerMessage
	switch t {
	case MessageTypeConnected:
		msg = &ConnectedMessage{}
	case MessageTypeTranscript:
		msg = &TranscriptMessage{}
	case MessageTypeTextDelta:
		msg = &TextDeltaMessage{}
	case MessageTypeAudioDelta:
		msg = &AudioDeltaMessage{}
	case MessageTypeResponseDone:
		msg = &ResponseDoneMessage{}
	case MessageTypeSpeechStarted:
		msg = &SpeechStartedMessage{}
	case MessageTypeSpeechStopped:
		msg = &SpeechStoppedMessage{}
	case MessageTypeSessionClosed:
		msg = &SessionClosedMessage{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", t)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", t, err)
	}
	return msg, nil
}
