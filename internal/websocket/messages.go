package websocket

import (
	"encoding/base64"
	"fmt"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/relay"
)

const (
	// DefaultMaxChunkBytes bounds decoded audio per audio-chunk frame.
	DefaultMaxChunkBytes = 256 * 1024

	maxIDLength = 128
)

// ValidationError describes a rejected client frame
type ValidationError struct {
	// SessionID is set when the frame named one
	SessionID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(sessionID, format string, args ...any) error {
	return &ValidationError{SessionID: sessionID, Reason: fmt.Sprintf(format, args...)}
}

// MessageValidator turns client frames into relay events
type MessageValidator struct {
	maxChunkBytes int
}

// NewMessageValidator creates a new message validator. maxChunkBytes <= 0
// selects DefaultMaxChunkBytes.
func NewMessageValidator(maxChunkBytes int) *MessageValidator {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &MessageValidator{maxChunkBytes: maxChunkBytes}
}

// Validate decodes and checks a client frame
func (v *MessageValidator) Validate(messageBytes []byte) (relay.Event, error) {
	msg, err := domain.DecodeClientMessage(messageBytes)
	if err != nil {
		return nil, invalid("", "%v", err)
	}

	sessionID := msg.TargetSession()
	if sessionID == "" {
		return nil, invalid("", "sessionId is required")
	}
	if len(sessionID) > maxIDLength {
		return nil, invalid("", "sessionId exceeds %d characters", maxIDLength)
	}

	switch m := msg.(type) {
	case *domain.StartSessionMessage:
		if m.UserID == "" {
			return nil, invalid(sessionID, "userId is required")
		}
		if len(m.UserID) > maxIDLength {
			return nil, invalid(sessionID, "userId exceeds %d characters", maxIDLength)
		}
		return relay.StartSession{SessionID: sessionID, UserID: m.UserID}, nil

	case *domain.AudioChunkMessage:
		pcm, err := v.decodeAudio(sessionID, m.AudioChunk)
		if err != nil {
			return nil, err
		}
		return relay.AudioChunk{SessionID: sessionID, PCM: pcm}, nil

	case *domain.CommitAudioMessage:
		return relay.CommitAudio{SessionID: sessionID}, nil

	case *domain.EndSessionMessage:
		return relay.EndSession{SessionID: sessionID}, nil
	}
	return nil, invalid(sessionID, "unsupported message type: %s", msg.Kind())
}

// decodeAudio validates audioChunk as base64 PCM16LE
func (v *MessageValidator) decodeAudio(sessionID, audioChunk string) ([]byte, error) {
	if audioChunk == "" {
		return nil, invalid(sessionID, "audioChunk is required")
	}
	if base64.StdEncoding.DecodedLen(len(audioChunk)) > v.maxChunkBytes+2 {
		return nil, invalid(sessionID, "audioChunk exceeds %d bytes", v.maxChunkBytes)
	}

	pcm, err := base64.StdEncoding.DecodeString(audioChunk)
	if err != nil {
		return nil, invalid(sessionID, "audioChunk is not valid base64: %v", err)
	}
	switch {
	case len(pcm) == 0:
		return nil, invalid(sessionID, "audioChunk is empty")
	case len(pcm)%2 != 0:
		return nil, invalid(sessionID, "audioChunk must contain whole 16-bit samples")
	case len(pcm) > v.maxChunkBytes:
		return nil, invalid(sessionID, "audioChunk exceeds %d bytes", v.maxChunkBytes)
	}
	return pcm, nil
}
