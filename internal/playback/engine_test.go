package playback

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRate = 24000

type fakeVoice struct {
	mu      sync.Mutex
	stopped bool
}

func (v *fakeVoice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

func (v *fakeVoice) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

type fakeOutput struct {
	starts []float64
	voices []*fakeVoice
	err    error
}

func (o *fakeOutput) Schedule(buf Buffer, at float64) (Voice, error) {
	if o.err != nil {
		return nil, o.err
	}
	v := &fakeVoice{}
	o.starts = append(o.starts, at)
	o.voices = append(o.voices, v)
	return v, nil
}

// pcmOf returns silence lasting seconds at testRate.
func pcmOf(seconds float64) []byte {
	return make([]byte, int(seconds*testRate)*2)
}

func TestEngineSchedulesBackToBack(t *testing.T) {
	clock := &ManualClock{}
	output := &fakeOutput{}
	engine := NewEngine(clock, output, testRate, zap.NewNop())

	for _, d := range []float64{0.1, 0.2, 0.05} {
		_, err := engine.Enqueue(pcmOf(d))
		require.NoError(t, err)
	}

	require.Len(t, output.starts, 3)
	assert.InDelta(t, 0.0, output.starts[0], 1e-9)
	assert.InDelta(t, 0.1, output.starts[1], 1e-9)
	assert.InDelta(t, 0.3, output.starts[2], 1e-9)
	assert.InDelta(t, 0.35, engine.NextStartTime(), 1e-9)
	assert.Equal(t, 3, engine.Pending())
}

func TestEngineStartTimesNeverOverlap(t *testing.T) {
	clock := &ManualClock{}
	engine := NewEngine(clock, &fakeOutput{}, testRate, zap.NewNop())
	rng := rand.New(rand.NewSource(7))

	prevStart, prevDur := -1.0, 0.0
	for i := 0; i < 200; i++ {
		// jittered arrivals, sometimes ahead of playback and sometimes behind
		clock.Advance(rng.Float64() * 0.15)
		now := clock.Now()
		next := engine.NextStartTime()
		dur := float64(240+rng.Intn(4800)) / testRate

		start, err := engine.Enqueue(pcmOf(dur))
		require.NoError(t, err)

		if prevStart >= 0 {
			assert.GreaterOrEqual(t, start, prevStart+prevDur-1e-9, "buffer %d overlaps its predecessor", i)
		}
		assert.InDelta(t, max(now, next), start, 1e-9)
		prevStart, prevDur = start, float64(len(pcmOf(dur))/2)/testRate
	}
}

func TestEngineInterruptClearsQueue(t *testing.T) {
	clock := &ManualClock{}
	output := &fakeOutput{}
	engine := NewEngine(clock, output, testRate, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := engine.Enqueue(pcmOf(0.5))
		require.NoError(t, err)
	}

	// first buffer is mid-play
	clock.Set(0.25)
	assert.Equal(t, 3, engine.Interrupt())
	for i, v := range output.voices {
		assert.True(t, v.isStopped(), "voice %d still playing", i)
	}
	assert.Zero(t, engine.Pending())
	assert.Zero(t, engine.NextStartTime())

	// next turn starts right away
	start, err := engine.Enqueue(pcmOf(0.1))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, start, 1e-9)
}

func TestEnginePrunesFinishedBuffers(t *testing.T) {
	clock := &ManualClock{}
	output := &fakeOutput{}
	engine := NewEngine(clock, output, testRate, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := engine.Enqueue(pcmOf(0.1))
		require.NoError(t, err)
	}
	clock.Set(0.15)
	assert.Equal(t, 1, engine.Pending())

	// only unfinished buffers are stopped
	assert.Equal(t, 1, engine.Interrupt())
	assert.False(t, output.voices[0].isStopped())
	assert.True(t, output.voices[1].isStopped())
}

func TestEngineRejectsInvalidAudio(t *testing.T) {
	engine := NewEngine(&ManualClock{}, &fakeOutput{}, testRate, zap.NewNop())

	_, err := engine.Enqueue([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidAudio)
	_, err = engine.Enqueue(nil)
	assert.ErrorIs(t, err, ErrInvalidAudio)
	assert.Zero(t, engine.NextStartTime())
}

func TestEngineOutputFailureKeepsCursor(t *testing.T) {
	output := &fakeOutput{}
	engine := NewEngine(&ManualClock{}, output, testRate, zap.NewNop())

	_, err := engine.Enqueue(pcmOf(0.1))
	require.NoError(t, err)

	output.err = errors.New("device gone")
	_, err = engine.Enqueue(pcmOf(0.1))
	require.Error(t, err)
	assert.InDelta(t, 0.1, engine.NextStartTime(), 1e-9)
	assert.Equal(t, 1, engine.Pending())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func TestWriterOutputPlaysInOrder(t *testing.T) {
	sink := &syncBuffer{}
	clock := NewWallClock()
	output := NewWriterOutput(sink, clock, zap.NewNop())
	defer output.Close()
	engine := NewEngine(clock, output, testRate, zap.NewNop())

	first := bytes.Repeat([]byte{1, 0}, 480)
	second := bytes.Repeat([]byte{2, 0}, 480)
	_, err := engine.Enqueue(first)
	require.NoError(t, err)
	_, err = engine.Enqueue(second)
	require.NoError(t, err)

	want := append(append([]byte(nil), first...), second...)
	require.Eventually(t, func() bool {
		return bytes.Equal(sink.Bytes(), want)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriterOutputStoppedVoiceIsSilent(t *testing.T) {
	sink := &syncBuffer{}
	clock := &ManualClock{}
	output := NewWriterOutput(sink, clock, zap.NewNop())

	buf, err := DecodePCM16(bytes.Repeat([]byte{9, 0}, 480), testRate)
	require.NoError(t, err)

	// scheduled far in the future, stopped before it starts
	voice, err := output.Schedule(buf, 60)
	require.NoError(t, err)
	voice.Stop()

	marker, err := DecodePCM16([]byte{7, 0}, testRate)
	require.NoError(t, err)
	_, err = output.Schedule(marker, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Equal(sink.Bytes(), []byte{7, 0})
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, output.Close())
}
