package capture

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"halo/internal/reflex"
	"halo/pkg/stt"
)

const (
	ErrCodeAudio         = "audio-capture"
	ErrCodeTranscription = "transcription"

	DefaultIdleTimeout = 8 * time.Second
	DefaultStopWait    = 1500 * time.Millisecond
)

var ErrRunning = errors.New("capture already running")

// Source produces PCM frames until ctx is done, fn returns false, or the
// input runs out. *audio.Recorder and *FileSource implement it.
type Source interface {
	Stream(ctx context.Context, fn func(frame []float32) bool) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []float32, onSegment func(partial string)) (stt.Result, error)
}

type Config struct {
	Segmenter SegmenterConfig
	// IdleTimeout ends a session that heard no speech for this long.
	IdleTimeout time.Duration
	StopWait    time.Duration
}

// Recognizer turns a Source into transcripts: frames are segmented into
// utterances and each utterance is transcribed off the audio goroutine.
type Recognizer struct {
	src Source
	tr  Transcriber
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	gate    *gate
	running bool
}

func NewRecognizer(src Source, tr Transcriber, cfg Config) *Recognizer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = DefaultStopWait
	}
	return &Recognizer{src: src, tr: tr, cfg: cfg}
}

func (r *Recognizer) Start(ctx context.Context, opts reflex.CaptureOptions, sink reflex.CaptureSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := &gate{sink: sink}
	done := make(chan struct{})

	r.cancel, r.done, r.gate, r.running = cancel, done, g, true

	go func() {
		defer close(done)
		last := r.run(runCtx, opts, g)
		r.finished(done)
		last()
	}()

	return nil
}

// Stop silences the session immediately and waits a bounded time for the
// audio goroutine to release the device.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	cancel, done, g := r.cancel, r.done, r.gate
	r.cancel, r.gate, r.running = nil, nil, false
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}

	g.close()
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.StopWait):
		return fmt.Errorf("capture did not stop within %s", r.cfg.StopWait)
	}
}

func (r *Recognizer) finished(done chan struct{}) {
	r.mu.Lock()
	if r.done == done {
		r.cancel, r.gate, r.running = nil, nil, false
	}
	r.mu.Unlock()
}

// run streams one session and returns the closing notification, which is
// delivered after the recognizer accepts a new Start.
func (r *Recognizer) run(ctx context.Context, opts reflex.CaptureOptions, g *gate) func() {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	utterances := make(chan []float32, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.transcribe(ctx, abort, opts, g, utterances)
	}()

	seg := NewSegmenter(r.cfg.Segmenter)
	idle := false

	err := r.src.Stream(ctx, func(frame []float32) bool {
		utt, ok := seg.Feed(frame)
		if ok {
			select {
			case utterances <- utt:
			case <-ctx.Done():
				return false
			}
			return opts.Continuous
		}
		if seg.Silence() >= r.cfg.IdleTimeout {
			idle = true
			return false
		}
		return true
	})

	if err == nil && ctx.Err() == nil {
		if utt, ok := seg.Flush(); ok {
			utterances <- utt
		}
	}
	close(utterances)
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		return func() {}
	case err != nil:
		log.Error("Capture failed", "err", err)
		return func() { g.onError(ErrCodeAudio, err.Error()) }
	default:
		if idle {
			log.Debug("Capture idle, ending session")
		}
		return g.onEnd
	}
}

// transcribe drains utterances. A failed transcription ends the session.
func (r *Recognizer) transcribe(ctx context.Context, abort context.CancelFunc, opts reflex.CaptureOptions, g *gate, utterances <-chan []float32) {
	for pcm := range utterances {
		if ctx.Err() != nil {
			continue
		}

		var onSegment func(string)
		if opts.Interim {
			onSegment = func(partial string) { g.onResult(partial, false) }
		}

		res, err := r.tr.Transcribe(ctx, pcm, onSegment)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stt.ErrNoAudio) {
				continue
			}
			log.Warn("Transcription failed", "err", err)
			g.onError(ErrCodeTranscription, err.Error())
			abort()
			continue
		}

		log.Debug("Transcribed", "text", res.Text, "lang", res.Language)
		if res.Text != "" {
			g.onResult(res.Text, true)
		}
	}
}

// gate forwards to a sink until closed.
type gate struct {
	mu     sync.Mutex
	closed bool
	sink   reflex.CaptureSink
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *gate) onResult(text string, final bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.sink.OnResult(text, final)
	}
}

func (g *gate) onEnd() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.sink.OnEnd()
	}
}

func (g *gate) onError(code, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.sink.OnError(code, msg)
	}
}
