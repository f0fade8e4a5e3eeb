// Package capture turns a stream of floating point microphone frames into
// fixed-size PCM16 chunks and hands them to a transport.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSamples is the number of samples per emitted chunk.
	DefaultChunkSamples = 4096
	// DefaultSampleRate is the rate chunks are emitted at.
	DefaultSampleRate = 24000

	defaultFrameSize = 1024
)

// ErrAlreadyRunning is returned by Start on a capture that was already started.
var ErrAlreadyRunning = errors.New("capture already running")

// Source is a mono audio input such as a microphone.
type Source interface {
	// Open acquires the device. A refused permission is reported as
	// domain.ErrPermissionDenied.
	Open(ctx context.Context) error
	// Read fills buf with samples in [-1, 1]. It returns io.EOF once the
	// source is exhausted.
	Read(ctx context.Context, buf []float32) (int, error)
	SampleRate() int
	Close() error
}

// Transport receives encoded chunks.
type Transport interface {
	SendChunk(pcm []byte) error
	Commit() error
}

// Config controls the emitted chunk format.
type Config struct {
	SampleRate   int
	ChunkSamples int
	// FrameSize is how many samples are pulled from the source per read.
	FrameSize int
}

// Capture pulls frames from a Source and emits PCM16 chunks while running.
type Capture struct {
	source    Source
	transport Transport
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	resampler resampling.Resampler
	pending   []int16
	loopErr   error
	// source samples read and samples emitted after resampling
	samplesIn  int
	samplesOut int
}

// New creates a capture. Zero config fields take their defaults.
func New(source Source, transport Transport, cfg Config, logger *zap.Logger) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	return &Capture{
		source:    source,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start opens the source and begins emitting chunks in the background.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	if err := c.source.Open(ctx); err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}

	c.resampler = nil
	if rate := c.source.SampleRate(); rate != c.cfg.SampleRate {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(c.cfg.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			c.source.Close()
			return fmt.Errorf("failed to create resampler: %w", err)
		}
		c.resampler = r
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.pending = c.pending[:0]
	c.loopErr = nil
	c.samplesIn, c.samplesOut = 0, 0
	c.running = true

	c.logger.Info("Audio capture started",
		zap.Int("sourceRate", c.source.SampleRate()),
		zap.Int("sampleRate", c.cfg.SampleRate),
		zap.Int("chunkSamples", c.cfg.ChunkSamples))

	go c.loop(loopCtx, c.done)
	return nil
}

// Done is closed when the capture loop exits, either because the source
// ran dry or Stop was called. It is nil before Start.
func (c *Capture) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Stop ends the capture loop, drains the resampler, flushes the trailing
// audio and commits.
// No chunk is sent after Stop returns. Stopping an idle capture is a no-op.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.loopErr != nil {
		errs = append(errs, c.loopErr)
	} else {
		if c.resampler != nil {
			tail, err := c.resampler.Flush()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to flush resampler: %w", err))
			}
			// the flush pads with silence; keep only what the input accounts for
			want := int(math.Round(float64(c.samplesIn) * c.resampler.GetRatio()))
			tail = tail[:min(len(tail), max(want-c.samplesOut, 0))]
			c.samplesOut += len(tail)
			for _, s := range tail {
				c.pending = append(c.pending, toPCM16(s))
			}
		}
		for len(c.pending) > 0 {
			n := min(len(c.pending), c.cfg.ChunkSamples)
			if err := c.transport.SendChunk(EncodePCM16(c.pending[:n])); err != nil {
				errs = append(errs, fmt.Errorf("failed to send trailing chunk: %w", err))
				break
			}
			c.pending = c.pending[n:]
		}
		c.pending = c.pending[:0]
	}
	if err := c.transport.Commit(); err != nil {
		errs = append(errs, fmt.Errorf("failed to commit audio: %w", err))
	}
	if err := c.source.Close(); err != nil {
		c.logger.Warn("Failed to close audio source", zap.Error(err))
	}

	c.logger.Info("Audio capture stopped")
	return errors.Join(errs...)
}

func (c *Capture) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	buf := make([]float32, c.cfg.FrameSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, readErr := c.source.Read(ctx, buf)
		if n > 0 {
			if err := c.process(buf[:n]); err != nil {
				c.fail(err)
				return
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			c.logger.Info("Audio source exhausted")
			return
		case ctx.Err() != nil:
			return
		default:
			c.fail(fmt.Errorf("failed to read audio source: %w", readErr))
			return
		}
	}
}

func (c *Capture) fail(err error) {
	c.logger.Error("Audio capture failed", zap.Error(err))
	c.mu.Lock()
	c.loopErr = err
	c.mu.Unlock()
}

// process converts frames to PCM16 and sends every complete chunk.
func (c *Capture) process(frames []float32) error {
	samples := make([]float64, len(frames))
	for i, f := range frames {
		samples[i] = float64(f)
	}

	c.mu.Lock()
	resampler := c.resampler
	c.mu.Unlock()

	if resampler != nil {
		out, err := resampler.Process(samples)
		if err != nil {
			return fmt.Errorf("resample error: %w", err)
		}
		samples = out
	}

	c.mu.Lock()
	c.samplesIn += len(frames)
	c.samplesOut += len(samples)
	for _, s := range samples {
		c.pending = append(c.pending, toPCM16(s))
	}
	var chunks [][]byte
	for len(c.pending) >= c.cfg.ChunkSamples {
		chunks = append(chunks, EncodePCM16(c.pending[:c.cfg.ChunkSamples]))
		c.pending = append(c.pending[:0], c.pending[c.cfg.ChunkSamples:]...)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		if err := c.transport.SendChunk(chunk); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
	}
	return nil
}
