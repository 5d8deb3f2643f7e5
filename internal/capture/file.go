package capture

import (
	"context"
	"sync"
	"time"

	"halo/pkg/audioconv"
)

const DefaultFrameSize = 320

// FileSource replays a decoded audio file as microphone frames. The file is
// played once; later streams stay silent until cancelled.
type FileSource struct {
	path      string
	frameSize int
	rate      int
	realtime  bool

	mu       sync.Mutex
	pcm      []float32
	pos      int
	loaded   bool
	consumed bool
}

func NewFileSource(path string, realtime bool) *FileSource {
	return &FileSource{
		path:      path,
		frameSize: DefaultFrameSize,
		rate:      audioconv.DefaultRate,
		realtime:  realtime,
	}
}

// NewPCMSource serves already decoded 16 kHz samples.
func NewPCMSource(pcm []float32, realtime bool) *FileSource {
	return &FileSource{
		frameSize: DefaultFrameSize,
		rate:      audioconv.DefaultRate,
		realtime:  realtime,
		pcm:       pcm,
		loaded:    true,
	}
}

func (f *FileSource) load() error {
	if f.loaded {
		return nil
	}
	pcm, err := audioconv.DecodeFile(f.path, audioconv.Options{TargetRate: f.rate})
	if err != nil {
		return err
	}
	f.pcm, f.loaded = pcm, true
	return nil
}

func (f *FileSource) Stream(ctx context.Context, fn func(frame []float32) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumed {
		<-ctx.Done()
		return nil
	}
	if err := f.load(); err != nil {
		return err
	}

	var tick <-chan time.Time
	if f.realtime {
		t := time.NewTicker(time.Duration(f.frameSize) * time.Second / time.Duration(f.rate))
		defer t.Stop()
		tick = t.C
	}

	frame := make([]float32, f.frameSize)
	for f.pos < len(f.pcm) {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		n := copy(frame, f.pcm[f.pos:])
		clear(frame[n:])
		f.pos += n

		if !fn(frame) {
			return nil
		}
	}

	f.consumed = true
	return nil
}
