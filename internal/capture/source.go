package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
)

// FileSource reads raw mono s16le audio from a file.
type FileSource struct {
	path       string
	sampleRate int
	realtime   bool

	file   *os.File
	reader *bufio.Reader
	raw    []byte
}

// NewFileSource creates a source for path. With realtime set, reads are paced
// to the audio duration they return.
func NewFileSource(path string, sampleRate int, realtime bool) *FileSource {
	return &FileSource{path: path, sampleRate: sampleRate, realtime: realtime}
}

func (s *FileSource) Open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, s.path)
	}
	if err != nil {
		return err
	}
	s.file = f
	s.reader = bufio.NewReader(f)
	return nil
}

func (s *FileSource) Read(ctx context.Context, buf []float32) (int, error) {
	if s.reader == nil {
		return 0, errors.New("file source is not open")
	}
	if cap(s.raw) < len(buf)*2 {
		s.raw = make([]byte, len(buf)*2)
	}
	raw := s.raw[:len(buf)*2]

	n, err := io.ReadFull(s.reader, raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		buf[i] = fromPCM16(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}

	if s.realtime && samples > 0 {
		if perr := pace(ctx, samples, s.sampleRate); perr != nil {
			return samples, perr
		}
	}
	return samples, err
}

func (s *FileSource) SampleRate() int { return s.sampleRate }

func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}

// ToneSource generates a sine wave, useful for demos and tests.
type ToneSource struct {
	Frequency float64
	Amplitude float64
	Rate      int
	// Duration of zero generates forever.
	Duration time.Duration
	Realtime bool

	pos int
}

func (s *ToneSource) Open(ctx context.Context) error {
	s.pos = 0
	return nil
}

func (s *ToneSource) Read(ctx context.Context, buf []float32) (int, error) {
	n := len(buf)
	if s.Duration > 0 {
		total := int(math.Round(s.Duration.Seconds() * float64(s.Rate)))
		if remaining := total - s.pos; remaining < n {
			n = max(remaining, 0)
		}
		if n == 0 {
			return 0, io.EOF
		}
	}

	for i := 0; i < n; i++ {
		t := float64(s.pos+i) / float64(s.Rate)
		buf[i] = float32(s.Amplitude * math.Sin(2*math.Pi*s.Frequency*t))
	}
	s.pos += n

	if s.Realtime {
		if err := pace(ctx, n, s.Rate); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *ToneSource) SampleRate() int { return s.Rate }

func (s *ToneSource) Close() error { return nil }

// pace blocks for the playback time of n samples.
func pace(ctx context.Context, n, sampleRate int) error {
	if sampleRate <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(n) * time.Second / time.Duration(sampleRate))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
