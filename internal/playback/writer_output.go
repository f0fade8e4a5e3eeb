package playback

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sliceDuration = 20 * time.Millisecond

// WriterOutput plays buffers by writing their PCM to an io.Writer (a file,
// or the stdin of an audio player) in real time. Buffers are written in
// schedule order, in short slices, so a stopped voice goes quiet within one
// slice.
type WriterOutput struct {
	w      io.Writer
	clock  Clock
	logger *zap.Logger

	queue     chan *writerVoice
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type writerVoice struct {
	buf      Buffer
	at       float64
	stopped  chan struct{}
	stopOnce sync.Once
}

func (v *writerVoice) Stop() {
	v.stopOnce.Do(func() { close(v.stopped) })
}

// NewWriterOutput starts the writer goroutine. Close stops it.
func NewWriterOutput(w io.Writer, clock Clock, logger *zap.Logger) *WriterOutput {
	o := &WriterOutput{
		w:       w,
		clock:   clock,
		logger:  logger,
		queue:   make(chan *writerVoice, 256),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Schedule implements Output.
func (o *WriterOutput) Schedule(buf Buffer, at float64) (Voice, error) {
	v := &writerVoice{buf: buf, at: at, stopped: make(chan struct{})}
	select {
	case o.queue <- v:
		return v, nil
	case <-o.closeCh:
		return nil, io.ErrClosedPipe
	}
}

// Close stops playback and waits for the writer goroutine.
func (o *WriterOutput) Close() error {
	o.closeOnce.Do(func() { close(o.closeCh) })
	<-o.done
	return nil
}

func (o *WriterOutput) run() {
	defer close(o.done)
	for {
		select {
		case <-o.closeCh:
			return
		case v := <-o.queue:
			if !o.play(v) {
				return
			}
		}
	}
}

// play writes v slice by slice at its scheduled times. It returns false once
// the output is closed.
func (o *WriterOutput) play(v *writerVoice) bool {
	bytesPerSlice := int(sliceDuration.Seconds()*float64(v.buf.SampleRate)) * 2
	if bytesPerSlice <= 0 {
		bytesPerSlice = 2
	}

	for off := 0; off < len(v.buf.PCM); off += bytesPerSlice {
		at := v.at + float64(off/2)/float64(v.buf.SampleRate)
		if wait := at - o.clock.Now(); wait > 0 {
			timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
			select {
			case <-o.closeCh:
				timer.Stop()
				return false
			case <-v.stopped:
				timer.Stop()
				return true
			case <-timer.C:
			}
		}

		select {
		case <-o.closeCh:
			return false
		case <-v.stopped:
			return true
		default:
		}

		end := min(off+bytesPerSlice, len(v.buf.PCM))
		if _, err := o.w.Write(v.buf.PCM[off:end]); err != nil {
			o.logger.Error("Failed to write audio", zap.Error(err))
			return true
		}
	}
	return true
}
