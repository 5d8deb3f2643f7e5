package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	SampleRate = 16000
	FrameSize  = 320 // 20ms
)

var ErrNotInitialized = errors.New("audio not initialized")

// Recorder owns the portaudio lifetime and hands out microphone frames.
type Recorder struct {
	mu     sync.Mutex
	inited bool
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inited {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	r.inited = true
	return nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inited {
		portaudio.Terminate()
		r.inited = false
	}
}

// Stream reads mono 16 kHz frames from the default input device and passes
// each one to fn until ctx is done or fn returns false. The frame slice is
// reused between calls.
func (r *Recorder) Stream(ctx context.Context, fn func(frame []float32) bool) error {
	r.mu.Lock()
	inited := r.inited
	r.mu.Unlock()
	if !inited {
		return ErrNotInitialized
	}

	buf := make([]float32, FrameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			return fmt.Errorf("read stream: %w", err)
		}

		if !fn(buf) {
			return nil
		}
	}
}
