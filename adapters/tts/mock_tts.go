package tts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

const mockMillisPerWord = 250

// MockTextToSpeech produces silent PCM16 audio whose length follows the word
// count of the text. It is used when no TTS credentials are configured.
type MockTextToSpeech struct {
	sampleRate int
	chunkSize  int
	logger     *zap.Logger
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a mock TTS emitting audio at sampleRate
func NewMockTextToSpeech(sampleRate int, logger *zap.Logger) *MockTextToSpeech {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &MockTextToSpeech{
		sampleRate: sampleRate,
		chunkSize:  defaultChunkSize,
		logger:     logger,
	}
}

// ConvertTextToSpeech implements repositories.TextToSpeech
func (m *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, fmt.Errorf("text cannot be empty")
	}

	total := m.sampleRate * 2 * words * mockMillisPerWord / 1000
	m.logger.Debug("Synthesizing mock audio", zap.Int("words", words), zap.Int("totalBytes", total))

	audioChan := make(chan []byte, 4)
	go func() {
		defer close(audioChan)
		for sent := 0; sent < total; {
			size := min(m.chunkSize, total-sent)
			select {
			case audioChan <- make([]byte, size):
				sent += size
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioChan, nil
}
