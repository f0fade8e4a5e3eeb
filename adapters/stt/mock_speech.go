package stt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// MockSpeechToText is a placeholder implementation for speech recognition
type MockSpeechToText struct {
	logger *zap.Logger
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition
type MockSpeechToTextStream struct {
	logger     *zap.Logger
	sampleRate int
	totalBytes int
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) repositories.SpeechToText {
	return &MockSpeechToText{
		logger: logger,
	}
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Debug("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &MockSpeechToTextStream{
		logger:     s.logger,
		sampleRate: sampleRate,
	}, nil
}

// Stream accumulates the amount of audio received
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.totalBytes += len(data)
	return nil
}

// End returns a transcription whose wording depends on how much audio arrived
func (m *MockSpeechToTextStream) End() (string, error) {
	if m.totalBytes == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	text := describeAudio(m.totalBytes, m.sampleRate)
	m.logger.Debug("Ending mock transcription stream",
		zap.Int("totalBytes", m.totalBytes),
		zap.String("result", text))
	return text, nil
}

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}
	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return describeAudio(len(audioData), sampleRate), nil
}

func describeAudio(totalBytes, sampleRate int) string {
	duration := time.Duration(float64(totalBytes/2) / float64(sampleRate) * float64(time.Second))
	switch {
	case duration > 3*time.Second:
		return "I would like to practice talking about my daily routine."
	case duration > time.Second:
		return "Hello, how are you today?"
	default:
		return "Hi"
	}
}
