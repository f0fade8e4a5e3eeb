package relay

import "github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"

// Event is a client input addressed to a session. The set of events is
// closed: StartSession, AudioChunk, CommitAudio and EndSession.
type Event interface {
	target() string
}

// StartSession opens an upstream connection for a new session id.
type StartSession struct {
	SessionID string
	UserID    string
}

// AudioChunk carries raw PCM16LE mono audio for an active session.
type AudioChunk struct {
	SessionID string
	PCM       []byte
}

// CommitAudio ends the current user utterance.
type CommitAudio struct {
	SessionID string
}

// EndSession tears the session down and produces its summary.
type EndSession struct {
	SessionID string
}

func (e StartSession) target() string { return e.SessionID }
func (e AudioChunk) target() string   { return e.SessionID }
func (e CommitAudio) target() string  { return e.SessionID }
func (e EndSession) target() string   { return e.SessionID }

// Sink receives the server messages produced for the sessions a client owns.
// Send must not block indefinitely and must not call back into the
// Coordinator. Sinks identify their owner by equality, so implementations
// should be pointer types.
type Sink interface {
	Send(msg domain.ServerMessage) error
}
