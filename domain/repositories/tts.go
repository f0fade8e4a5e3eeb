package repositories

import "context"

// TextToSpeech synthesizes assistant replies. The returned channel yields
// PCM16 chunks at the session sample rate and closes when synthesis ends.
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
}
