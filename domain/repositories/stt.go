package repositories

import "context"

// SpeechToText recognizes the user's side of a cascade session.
type SpeechToText interface {
	// TranscribeAudio recognizes a complete PCM16 utterance in one call.
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
	// InitTranscribeStreaming opens a recognizer fed chunk by chunk as the
	// client streams audio.
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig describes the relayed input audio.
type AudioConfig struct {
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"` // LINEAR16 for relay sessions
	Language   string `json:"language"` // BCP-47, e.g. en-US
}

// SpeechToTextStreaming is one utterance being recognized. End is called on
// commit and returns the final transcript.
type SpeechToTextStreaming interface {
	Stream(data []byte) error
	End() (string, error)
}
