package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var ErrNoAudio = errors.New("no audio samples provided")

type Options struct {
	Language      string // "auto", "en", "ru", ...
	TranslateToEn bool
	Threads       int // <=0 => NumCPU()
	InitialPrompt string
	BeamSize      int // 0 = greedy
}

type Segment struct {
	Text     string
	StartSec float64
	EndSec   float64
}

type Result struct {
	Text     string
	Segments []Segment
	Language string
}

// Transcriber wraps one whisper model. Calls are serialized because a model
// keeps decoder state that is not safe to share across contexts in flight.
type Transcriber struct {
	mu    sync.Mutex
	model whisper.Model
	opt   Options
}

func NewTranscriber(modelPath string, opt Options) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if opt.Language == "" {
		opt.Language = "auto"
	}
	if opt.Threads <= 0 {
		opt.Threads = runtime.NumCPU()
	}
	return &Transcriber{model: m, opt: opt}, nil
}

func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.model == nil {
		return nil
	}
	err := t.model.Close()
	t.model = nil
	return err
}

// Transcribe decodes mono 16 kHz float32 samples in [-1, 1]. onSegment, when
// set, receives the text decoded so far after every new segment.
func (t *Transcriber) Transcribe(ctx context.Context, pcm16k []float32, onSegment func(partial string)) (Result, error) {
	if len(pcm16k) == 0 {
		return Result{}, ErrNoAudio
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.model == nil {
		return Result{}, errors.New("nil model")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("new context: %w", err)
	}

	if err := wctx.SetLanguage(t.opt.Language); err != nil {
		return Result{}, fmt.Errorf("set language: %w", err)
	}
	wctx.SetTranslate(t.opt.TranslateToEn)
	wctx.SetThreads(uint(t.opt.Threads))
	if t.opt.BeamSize > 0 {
		wctx.SetBeamSize(t.opt.BeamSize)
	}
	if t.opt.InitialPrompt != "" {
		wctx.SetInitialPrompt(t.opt.InitialPrompt)
	}

	var (
		segs    []Segment
		partial strings.Builder
	)
	collect := func(s whisper.Segment) {
		segs = append(segs, Segment{
			Text:     s.Text,
			StartSec: s.Start.Seconds(),
			EndSec:   s.End.Seconds(),
		})
		if partial.Len() > 0 {
			partial.WriteByte(' ')
		}
		partial.WriteString(strings.TrimSpace(s.Text))
		if onSegment != nil && ctx.Err() == nil {
			onSegment(partial.String())
		}
	}

	if err := wctx.Process(pcm16k, nil, collect, nil); err != nil {
		return Result{}, fmt.Errorf("process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Segments not delivered through the callback are still queued.
	if len(segs) == 0 {
		for {
			s, err := wctx.NextSegment()
			if err == io.EOF {
				break
			}
			if err != nil {
				return Result{}, fmt.Errorf("next segment: %w", err)
			}
			collect(s)
		}
	}

	lang := wctx.DetectedLanguage()
	if lang == "" {
		lang = wctx.Language()
	}

	return Result{
		Text:     partial.String(),
		Segments: segs,
		Language: lang,
	}, nil
}
