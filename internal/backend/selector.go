package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "log/slog"
)

const DefaultProbeTimeout = 30 * time.Second

// Candidate is a model the selector may warm up. Lower Rank is preferred.
type Candidate struct {
	ID   string
	Rank int
}

// DefaultCandidates is the built-in priority list, smallest model first.
func DefaultCandidates() []Candidate {
	return Candidates("tinyllama:latest", "phi3:mini", "llama3:latest")
}

// Candidates ranks ids in the order given.
func Candidates(ids ...string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Candidate{ID: id, Rank: i})
	}
	return out
}

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseProbing
	PhaseReady
	PhaseUnavailable
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseProbing:
		return "probing"
	case PhaseReady:
		return "ready"
	case PhaseUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// State is the selector's view of the backend. Model is set only when
// Phase is PhaseReady.
type State struct {
	Phase Phase
	Model string
}

func (s State) Ready() bool { return s.Phase == PhaseReady }

// Err is ErrUnavailable once selection has given up, nil otherwise.
func (s State) Err() error {
	if s.Phase == PhaseUnavailable {
		return ErrUnavailable
	}
	return nil
}

// Selector picks and owns the single active model.
type Selector struct {
	backend      Backend
	probeTimeout time.Duration

	selectMu sync.Mutex

	mu    sync.RWMutex
	state State
}

func NewSelector(b Backend, probeTimeout time.Duration) *Selector {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Selector{backend: b, probeTimeout: probeTimeout}
}

// Select warms up the first available candidate. Calls are serialized.
// A Ready selector is left as is.
func (s *Selector) Select(ctx context.Context, candidates []Candidate) State {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	if st := s.State(); st.Ready() {
		return st
	}

	s.set(State{Phase: PhaseProbing})

	available, err := s.backend.ListModels(ctx)
	if err != nil {
		log.Error("Inference service unreachable", "err", err)
		return s.set(State{Phase: PhaseUnavailable})
	}

	log.Info("Available models", "models", available)

	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Rank < ordered[j].Rank
	})

	for _, c := range ordered {
		name, ok := match(available, c.ID)
		if !ok {
			log.Debug("Candidate not installed", "model", c.ID)
			continue
		}

		if err := s.warmup(ctx, name); err != nil {
			log.Warn("Warmup failed", "model", name, "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		log.Info("Model ready", "model", name)
		return s.set(State{Phase: PhaseReady, Model: name})
	}

	log.Error("No model could be loaded")
	return s.set(State{Phase: PhaseUnavailable})
}

func (s *Selector) warmup(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	log.Info("Warming up", "model", model, "timeout", s.probeTimeout)
	_, err := s.backend.Generate(ctx, model, "hi", Options{MaxTokens: 1})
	return err
}

func (s *Selector) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Active returns the ready model id.
func (s *Selector) Active() (string, bool) {
	st := s.State()
	return st.Model, st.Ready()
}

// MarkUnavailable drops a Ready model after persistent failures.
func (s *Selector) MarkUnavailable(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != PhaseReady {
		return
	}
	log.Error("Model marked unavailable", "model", s.state.Model, "reason", reason)
	s.state = State{Phase: PhaseUnavailable}
}

func (s *Selector) set(st State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return st
}

// match resolves id against the served names, accepting Ollama's implicit
// ":latest" tag in either direction.
func match(available []string, id string) (string, bool) {
	for _, name := range available {
		if name == id {
			return name, true
		}
	}
	for _, name := range available {
		if name == id+":latest" || name+":latest" == id {
			return name, true
		}
	}
	return "", false
}
