package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu      sync.Mutex
	models  []string
	listErr error
	warmErr map[string]error
	hang    map[string]bool
	calls   []string
	opts    []Options
	prompts []string
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeBackend) Generate(ctx context.Context, model, prompt string, opt Options) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.opts = append(f.opts, opt)
	f.prompts = append(f.prompts, prompt)
	hang := f.hang[model]
	err := f.warmErr[model]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "ok", nil
}

func (f *fakeBackend) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestSelectorPicksFirstAvailableCandidate(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{models: []string{"llama3:latest", "phi3:mini"}}
	sel := NewSelector(fb, time.Second)

	st := sel.Select(context.Background(), DefaultCandidates())
	if !st.Ready() || st.Model != "phi3:mini" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.Err() != nil {
		t.Fatalf("ready state must not report an error: %v", st.Err())
	}

	calls := fb.snapshotCalls()
	if len(calls) != 1 || calls[0] != "phi3:mini" {
		t.Fatalf("expected a single warmup of phi3:mini, got %v", calls)
	}
	if fb.opts[0].MaxTokens != 1 {
		t.Fatalf("warmup must cap output to 1 token, got %d", fb.opts[0].MaxTokens)
	}
	if fb.prompts[0] != "hi" {
		t.Fatalf("unexpected warmup prompt %q", fb.prompts[0])
	}

	model, ok := sel.Active()
	if !ok || model != "phi3:mini" {
		t.Fatalf("Active() = %q, %v", model, ok)
	}
}

func TestSelectorHonoursRankOverListOrder(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{models: []string{"a", "b"}}
	sel := NewSelector(fb, time.Second)

	st := sel.Select(context.Background(), []Candidate{{ID: "a", Rank: 5}, {ID: "b", Rank: 1}})
	if st.Model != "b" {
		t.Fatalf("expected rank 1 candidate, got %+v", st)
	}
}

func TestSelectorFallsThroughFailedWarmups(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		models:  []string{"tinyllama:latest", "phi3:mini", "llama3:latest"},
		warmErr: map[string]error{"tinyllama:latest": ErrModel},
		hang:    map[string]bool{"phi3:mini": true},
	}
	sel := NewSelector(fb, 20*time.Millisecond)

	st := sel.Select(context.Background(), DefaultCandidates())
	if st.Model != "llama3:latest" {
		t.Fatalf("expected llama3 after two failures, got %+v", st)
	}

	calls := fb.snapshotCalls()
	want := []string{"tinyllama:latest", "phi3:mini", "llama3:latest"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestSelectorUnreachableServiceIsUnavailable(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{listErr: ErrNetwork}
	sel := NewSelector(fb, time.Second)

	st := sel.Select(context.Background(), DefaultCandidates())
	if st.Phase != PhaseUnavailable {
		t.Fatalf("expected unavailable, got %s", st.Phase)
	}
	if !errors.Is(st.Err(), ErrUnavailable) {
		t.Fatalf("unavailable state should report ErrUnavailable, got %v", st.Err())
	}
	if len(fb.snapshotCalls()) != 0 {
		t.Fatalf("no warmup expected when listing fails")
	}
	if _, ok := sel.Active(); ok {
		t.Fatalf("no model should be active")
	}
}

func TestSelectorAllCandidatesFail(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		models: []string{"tinyllama:latest", "phi3:mini"},
		warmErr: map[string]error{
			"tinyllama:latest": errors.New("boom"),
			"phi3:mini":        ErrNetwork,
		},
	}
	sel := NewSelector(fb, time.Second)

	if st := sel.Select(context.Background(), DefaultCandidates()); st.Phase != PhaseUnavailable {
		t.Fatalf("expected unavailable, got %+v", st)
	}
}

func TestSelectorNoInstalledCandidate(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{models: []string{"mistral:7b"}}
	sel := NewSelector(fb, time.Second)

	if st := sel.Select(context.Background(), DefaultCandidates()); st.Phase != PhaseUnavailable {
		t.Fatalf("expected unavailable, got %+v", st)
	}
	if len(fb.snapshotCalls()) != 0 {
		t.Fatalf("uninstalled candidates must not be probed")
	}
}

func TestSelectorReadyIsSticky(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{models: []string{"phi3:mini"}}
	sel := NewSelector(fb, time.Second)
	sel.Select(context.Background(), DefaultCandidates())
	sel.Select(context.Background(), DefaultCandidates())

	if n := len(fb.snapshotCalls()); n != 1 {
		t.Fatalf("expected one warmup, got %d", n)
	}
}

func TestSelectorMarkUnavailable(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{models: []string{"phi3:mini"}}
	sel := NewSelector(fb, time.Second)

	sel.MarkUnavailable("ignored before ready")
	if sel.State().Phase != PhaseUninitialized {
		t.Fatalf("MarkUnavailable must only leave Ready")
	}

	sel.Select(context.Background(), DefaultCandidates())
	sel.MarkUnavailable("model crashed")
	if st := sel.State(); st.Phase != PhaseUnavailable || st.Model != "" {
		t.Fatalf("unexpected state %+v", st)
	}

	// a later selection may recover
	if st := sel.Select(context.Background(), DefaultCandidates()); !st.Ready() {
		t.Fatalf("expected reselection to succeed, got %+v", st)
	}
}

func TestMatchAcceptsLatestTag(t *testing.T) {
	t.Parallel()

	cases := []struct {
		available []string
		id        string
		want      string
		ok        bool
	}{
		{[]string{"llama3:latest"}, "llama3", "llama3:latest", true},
		{[]string{"llama3"}, "llama3:latest", "llama3", true},
		{[]string{"phi3:mini"}, "phi3:mini", "phi3:mini", true},
		{[]string{"phi3:medium"}, "phi3:mini", "", false},
	}

	for _, tc := range cases {
		got, ok := match(tc.available, tc.id)
		if got != tc.want || ok != tc.ok {
			t.Errorf("match(%v, %q) = %q, %v; want %q, %v", tc.available, tc.id, got, ok, tc.want, tc.ok)
		}
	}
}
