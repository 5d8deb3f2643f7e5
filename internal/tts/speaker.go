package tts

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"
)

type Voice struct {
	Language string
	Rate     int // words per minute
	Pitch    int // 0-100
}

var (
	CalmVoice   = Voice{Rate: 160, Pitch: 50}
	UrgentVoice = Voice{Rate: 195, Pitch: 70}
)

// Engine synthesizes text and plays it, blocking until done. Cancel must make
// a running Say return promptly and is safe to call from another goroutine.
type Engine interface {
	Say(text string, v Voice) error
	Cancel() error
}

// Cue is a short attention sound played before urgent speech.
type Cue interface {
	Play(ctx context.Context) error
}

// Ducker lowers other audio while the guardian is speaking.
type Ducker interface {
	DuckOthers(ctx context.Context, factor float64, duration time.Duration) error
	UnduckOthers(ctx context.Context, duration time.Duration) error
}

// Notifier shows an urgent message outside of audio.
type Notifier interface {
	Notify(ctx context.Context, summary, body string) error
}

type SpeakerConfig struct {
	Language   string
	Cue        Cue
	Ducker     Ducker
	Notifier   Notifier
	DuckFactor float64
	Fade       time.Duration
}

// Speaker serializes utterances on an Engine. Speaking stops whatever is
// currently being said first.
type Speaker struct {
	engine Engine
	cfg    SpeakerConfig

	sayMu sync.Mutex

	mu      sync.Mutex
	current *Completion
	cancel  context.CancelFunc
}

func NewSpeaker(engine Engine, cfg SpeakerConfig) *Speaker {
	if cfg.DuckFactor <= 0 || cfg.DuckFactor > 1 {
		cfg.DuckFactor = 0.3
	}
	if cfg.Fade < 0 {
		cfg.Fade = 0
	}
	return &Speaker{engine: engine, cfg: cfg}
}

func (s *Speaker) Speak(text string, urgent bool) *Completion {
	s.Stop()

	if text == "" {
		return Resolved(nil)
	}
	done := NewCompletion()

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.current = done
	s.cancel = cancel
	s.mu.Unlock()

	voice := CalmVoice
	if urgent {
		voice = UrgentVoice
	}
	voice.Language = s.cfg.Language

	go func() {
		defer cancel()
		done.Resolve(s.run(ctx, text, voice, urgent))
		s.forget(done)
	}()

	return done
}

// Stop interrupts the current utterance and resolves its completion with
// ErrStopped.
func (s *Speaker) Stop() {
	s.mu.Lock()
	current, cancel := s.current, s.cancel
	s.current, s.cancel = nil, nil
	s.mu.Unlock()

	if current == nil {
		return
	}

	cancel()
	if err := s.engine.Cancel(); err != nil {
		log.Warn("Failed to cancel speech", "err", err)
	}
	current.Resolve(ErrStopped)
}

func (s *Speaker) run(ctx context.Context, text string, voice Voice, urgent bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speech panicked: %v", r)
		}
	}()

	s.sayMu.Lock()
	defer s.sayMu.Unlock()

	if ctx.Err() != nil {
		return ErrStopped
	}

	if s.cfg.Ducker != nil {
		if err := s.cfg.Ducker.DuckOthers(ctx, s.cfg.DuckFactor, s.cfg.Fade); err != nil {
			log.Warn("Failed to duck audio", "err", err)
		}
		defer func() {
			if err := s.cfg.Ducker.UnduckOthers(context.Background(), s.cfg.Fade); err != nil {
				log.Warn("Failed to restore audio", "err", err)
			}
		}()
	}

	if urgent {
		if s.cfg.Notifier != nil {
			if err := s.cfg.Notifier.Notify(ctx, "Halo warning", text); err != nil {
				log.Debug("Desktop notification failed", "err", err)
			}
		}
		if s.cfg.Cue != nil {
			if err := s.cfg.Cue.Play(ctx); err != nil {
				log.Warn("Failed to play chime", "err", err)
			}
		}
	}

	if ctx.Err() != nil {
		return ErrStopped
	}

	log.Info("Speaking", "urgent", urgent, "text", text)

	if err := s.engine.Say(text, voice); err != nil {
		return fmt.Errorf("say: %w", err)
	}
	if ctx.Err() != nil {
		return ErrStopped
	}
	return nil
}

func (s *Speaker) forget(c *Completion) {
	s.mu.Lock()
	if s.current == c {
		s.current, s.cancel = nil, nil
	}
	s.mu.Unlock()
}
