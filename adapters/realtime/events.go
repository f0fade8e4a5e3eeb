package realtime

import (
	"strings"

	"github.com/google/uuid"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
)

// Wire event types
const (
	eventSessionUpdate     = "session.update"
	eventAudioAppend       = "input_audio_buffer.append"
	eventAudioCommit       = "input_audio_buffer.commit"
	eventResponseCreate    = "response.create"
	eventSessionCreated    = "session.created"
	eventSessionUpdated    = "session.updated"
	eventError             = "error"
	eventSpeechStarted     = "input_audio_buffer.speech_started"
	eventSpeechStopped     = "input_audio_buffer.speech_stopped"
	eventAudioCommitted    = "input_audio_buffer.committed"
	eventInputTranscript   = "conversation.item.input_audio_transcription.completed"
	eventTextDelta         = "response.text.delta"
	eventTranscriptDelta   = "response.audio_transcript.delta"
	eventAudioDelta        = "response.audio.delta"
	eventResponseDone      = "response.done"
	responseStatusFailed   = "failed"
	responseStatusCanceled = "cancelled"
)

// Error codes that describe client/server races rather than broken sessions.
var benignErrorCodes = map[string]bool{
	"input_audio_buffer_commit_empty":         true,
	"conversation_already_has_active_response": true,
	"response_cancel_not_active":              true,
}

type clientEvent struct {
	EventID string         `json:"event_id"`
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

func newClientEvent(eventType string) clientEvent {
	return clientEvent{EventID: "evt_" + uuid.New().String()[:12], Type: eventType}
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	// nil is sent as null and disables server-side turn detection
	TurnDetection *turnDetection `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type serverEvent struct {
	Type       string            `json:"type"`
	EventID    string            `json:"event_id,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Delta      string            `json:"delta,omitempty"`
	Error      *apiError         `json:"error,omitempty"`
	Response   *responseResource `json:"response,omitempty"`
}

type apiError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *apiError) code() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

type responseResource struct {
	ID            string             `json:"id,omitempty"`
	Status        string             `json:"status,omitempty"`
	StatusDetails *statusDetails     `json:"status_details,omitempty"`
	Output        []conversationItem `json:"output,omitempty"`
	Usage         *usage             `json:"usage,omitempty"`
}

type statusDetails struct {
	Type   string    `json:"type,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type conversationItem struct {
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type usage struct {
	TotalTokens        int           `json:"total_tokens,omitempty"`
	InputTokens        int           `json:"input_tokens,omitempty"`
	OutputTokens       int           `json:"output_tokens,omitempty"`
	InputTokenDetails  *tokenDetails `json:"input_token_details,omitempty"`
	OutputTokenDetails *tokenDetails `json:"output_token_details,omitempty"`
}

type tokenDetails struct {
	TextTokens  int `json:"text_tokens,omitempty"`
	AudioTokens int `json:"audio_tokens,omitempty"`
}

func (u *usage) toEntity() entities.Usage {
	if u == nil {
		return entities.Usage{}
	}
	var out entities.Usage
	if d := u.InputTokenDetails; d != nil {
		out.InputTextTokens = d.TextTokens
		out.InputAudioTokens = d.AudioTokens
	} else {
		out.InputTextTokens = u.InputTokens
	}
	if d := u.OutputTokenDetails; d != nil {
		out.OutputTextTokens = d.TextTokens
		out.OutputAudioTokens = d.AudioTokens
	} else {
		out.OutputTextTokens = u.OutputTokens
	}
	return out
}

// text returns the assistant text of a finished response, preferring audio
// transcripts over plain text parts.
func (r *responseResource) text() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, part := range item.Content {
			switch {
			case part.Transcript != "":
				b.WriteString(part.Transcript)
			case part.Text != "":
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}
