// Package playback schedules assistant audio deltas back to back on an
// output device and supports cutting them off on barge-in.
package playback

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidAudio is returned for PCM that is empty or not made of whole samples.
var ErrInvalidAudio = errors.New("invalid pcm16 audio")

// Clock reports the output device time in seconds.
type Clock interface {
	Now() float64
}

// Voice is a buffer handed to an Output. Stop silences it whether it is
// waiting or already playing.
type Voice interface {
	Stop()
}

// Output plays buffers at absolute device times.
type Output interface {
	Schedule(buf Buffer, at float64) (Voice, error)
}

// Buffer is decoded mono PCM16LE audio.
type Buffer struct {
	PCM        []byte
	SampleRate int
	// Duration in seconds.
	Duration float64
}

// DecodePCM16 wraps little-endian PCM16 bytes in a Buffer.
func DecodePCM16(pcm []byte, sampleRate int) (Buffer, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes", ErrInvalidAudio, len(pcm))
	}
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("%w: sample rate %d", ErrInvalidAudio, sampleRate)
	}
	return Buffer{
		PCM:        pcm,
		SampleRate: sampleRate,
		Duration:   float64(len(pcm)/2) / float64(sampleRate),
	}, nil
}

type scheduled struct {
	start float64
	end   float64
	voice Voice
}

// Engine is the playback queue. Each buffer starts at
// max(clock.Now(), nextStartTime), which keeps playback gapless and FIFO
// regardless of delta arrival jitter.
type Engine struct {
	clock      Clock
	output     Output
	sampleRate int
	logger     *zap.Logger

	mu    sync.Mutex
	next  float64
	queue []scheduled
}

// NewEngine creates an empty playback queue.
func NewEngine(clock Clock, output Output, sampleRate int, logger *zap.Logger) *Engine {
	return &Engine{
		clock:      clock,
		output:     output,
		sampleRate: sampleRate,
		logger:     logger,
	}
}

// Enqueue schedules pcm after everything already queued and returns its
// start time.
func (e *Engine) Enqueue(pcm []byte) (float64, error) {
	buf, err := DecodePCM16(pcm, e.sampleRate)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.pruneLocked(now)

	start := max(now, e.next)
	voice, err := e.output.Schedule(buf, start)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule buffer: %w", err)
	}

	e.next = start + buf.Duration
	e.queue = append(e.queue, scheduled{start: start, end: e.next, voice: voice})
	return start, nil
}

// Interrupt stops every pending and in-flight buffer and resets the cursor
// so the next turn starts immediately. It returns how many were stopped.
func (e *Engine) Interrupt() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneLocked(e.clock.Now())
	stopped := len(e.queue)
	for _, s := range e.queue {
		s.voice.Stop()
	}
	e.queue = nil
	e.next = 0

	if stopped > 0 {
		e.logger.Debug("Playback interrupted", zap.Int("stopped", stopped))
	}
	return stopped
}

// Pending returns the number of buffers that have not finished playing.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.clock.Now())
	return len(e.queue)
}

// NextStartTime is the earliest time the next buffer may start.
func (e *Engine) NextStartTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

// pruneLocked drops buffers that have finished playing.
func (e *Engine) pruneLocked(now float64) {
	i := 0
	for i < len(e.queue) && e.queue[i].end <= now {
		i++
	}
	if i > 0 {
		e.queue = append(e.queue[:0], e.queue[i:]...)
	}
}
