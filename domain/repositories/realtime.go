package repositories

import (
	"context"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
)

// RealtimeProvider opens bidirectional speech sessions against an upstream
// speech/AI service
type RealtimeProvider interface {
	Connect(ctx context.Context, config RealtimeConfig) (RealtimeConn, error)
}

// RealtimeConfig describes the session requested from the provider
type RealtimeConfig struct {
	SessionID    string
	UserID       string
	SampleRate   int
	Voice        string
	Instructions string
}

// RealtimeConn is one upstream session. Events is closed once the connection
// is closed or the upstream terminates it.
type RealtimeConn interface {
	// AppendAudio forwards PCM16LE mono audio unmodified
	AppendAudio(pcm []byte) error
	// Commit marks the end of the current user utterance and requests a response
	Commit() error
	Events() <-chan ProviderEvent
	Close() error
}

// ProviderEventType enumerates the upstream events relayed to clients
type ProviderEventType string

const (
	ProviderEventUserTranscript ProviderEventType = "user-transcript"
	ProviderEventTextDelta      ProviderEventType = "text-delta"
	ProviderEventAudioDelta     ProviderEventType = "audio-delta"
	ProviderEventResponseDone   ProviderEventType = "response-done"
	ProviderEventSpeechStarted  ProviderEventType = "speech-started"
	ProviderEventSpeechStopped  ProviderEventType = "speech-stopped"
	ProviderEventError          ProviderEventType = "error"
)

// ProviderEvent is a single upstream event
type ProviderEvent struct {
	Type ProviderEventType
	// Text holds transcripts, text deltas and the final response text
	Text string
	// Audio holds decoded PCM16LE for audio deltas
	Audio []byte
	// Usage is set on response-done
	Usage entities.Usage
	// Err is set on error events
	Err error
}
