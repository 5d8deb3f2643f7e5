package reflex

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"halo/internal/alerts"
	"halo/internal/classifier"
	"halo/internal/tts"
)

const (
	scamText    = "Grandma, this is the police, send gift cards or you go to jail"
	dinnerText  = "what time are we meeting for dinner"
	brokenText  = "the model keeps failing on this one"
	noModelText = "nobody is left to judge this sentence"
)

type fakeCapture struct {
	mu         sync.Mutex
	sinks      []CaptureSink
	running    bool
	starts     int
	stops      int
	failStarts int
}

func (f *fakeCapture) Start(_ context.Context, _ CaptureOptions, sink CaptureSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.failStarts > 0 {
		f.failStarts--
		return errors.New("device busy")
	}
	f.sinks = append(f.sinks, sink)
	f.running = true
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		f.stops++
	}
	f.running = false
	return nil
}

func (f *fakeCapture) counts() (starts, stops int, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.running
}

// sink returns the sink of the n-th successful start, counting from 1.
func (f *fakeCapture) sink(n int) CaptureSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[n-1]
}

func (f *fakeCapture) latest() CaptureSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[len(f.sinks)-1]
}

type fakeClassifier struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	results map[string]classifier.Result
}

func newFakeClassifier() *fakeClassifier {
	return &fakeClassifier{results: map[string]classifier.Result{
		scamText:    {Danger: true, Confidence: 0.95, Reasoning: "impersonation/gift-card scam"},
		dinnerText:  {Danger: false, Confidence: 0.02, Reasoning: "dinner plans"},
		brokenText:  {Reasoning: classifier.ReasonModel},
		noModelText: {Reasoning: classifier.ReasonNoModel},
	}}
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) classifier.Result {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	block := f.block
	res, ok := f.results[text]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if !ok {
		return classifier.Result{Reasoning: classifier.ReasonComplete}
	}
	return res
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeModels struct {
	ready atomic.Bool
}

func newFakeModels(ready bool) *fakeModels {
	f := &fakeModels{}
	f.ready.Store(ready)
	return f
}

func (f *fakeModels) Active() (string, bool) {
	if !f.ready.Load() {
		return "", false
	}
	return "phi3:mini", true
}

type fakeSpeaker struct {
	mu      sync.Mutex
	said    []string
	current *tts.Completion
	stops   int
	auto    bool
	autoErr error
}

func (f *fakeSpeaker) Speak(text string, urgent bool) *tts.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.said = append(f.said, text)
	c := tts.NewCompletion()
	if f.auto {
		c.Resolve(f.autoErr)
	}
	f.current = c
	return c
}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops++
	if f.current != nil {
		f.current.Resolve(tts.ErrStopped)
	}
}

func (f *fakeSpeaker) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.Resolve(nil)
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

type fakeOverlay struct {
	mu     sync.Mutex
	states []bool
}

func (f *fakeOverlay) SetDanger(on bool) {
	f.mu.Lock()
	f.states = append(f.states, on)
	f.mu.Unlock()
}

func (f *fakeOverlay) last() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return false, false
	}
	return f.states[len(f.states)-1], true
}

type fakeStatus struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeStatus) Status(msg string) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
}

func (f *fakeStatus) Preview(string) {}

type harness struct {
	c       *Controller
	capture *fakeCapture
	cls     *fakeClassifier
	models  *fakeModels
	speaker *fakeSpeaker
	overlay *fakeOverlay
	status  *fakeStatus
}

func newHarness(t *testing.T, ready bool) *harness {
	t.Helper()

	h := &harness{
		capture: &fakeCapture{},
		cls:     newFakeClassifier(),
		models:  newFakeModels(ready),
		speaker: &fakeSpeaker{},
		overlay: &fakeOverlay{},
		status:  &fakeStatus{},
	}
	h.c = New(Deps{
		Capture:    h.capture,
		Classifier: h.cls,
		Models:     h.models,
		Speaker:    h.speaker,
		Alerts:     alerts.NewLog(alerts.DefaultCapacity),
		Overlay:    h.overlay,
		Status:     h.status,
	}, Config{
		ResumeDelay:     10 * time.Millisecond,
		EndRestartDelay: 10 * time.Millisecond,
		ErrorBackoff:    100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	waitFor(t, "state "+s.String(), func() bool { return h.c.Status().State == s })
}

func (h *harness) waitStarts(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "capture start", func() bool {
		starts, _, _ := h.capture.counts()
		return starts >= n
	})
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.c.Toggle()
	h.waitState(t, Listening)
	h.waitStarts(t, 1)
}

func TestToggleWithoutModelIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.c.Toggle()

	waitFor(t, "no model message", func() bool { return h.c.Status().Message == MsgNoModel })
	if st := h.c.Status(); st.State != Idle {
		t.Fatalf("expected idle, got %s", st.State)
	}
	if starts, _, _ := h.capture.counts(); starts != 0 {
		t.Fatalf("capture must not start without a model")
	}
}

func TestShortTranscriptsNeverClassified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	sink := h.capture.latest()
	sink.OnResult("hi there", true)
	sink.OnResult("   ok    ", true)
	sink.OnResult("a long interim result that is not final", false)

	waitFor(t, "preview", func() bool { return h.c.Status().Preview != "" })
	time.Sleep(30 * time.Millisecond)

	if n := h.cls.callCount(); n != 0 {
		t.Fatalf("classifier called %d times", n)
	}
	if st := h.c.Status(); st.State != Listening {
		t.Fatalf("expected listening, got %s", st.State)
	}
}

func TestSafeVerdictKeepsListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.capture.latest().OnResult(dinnerText, true)

	waitFor(t, "alert entry", func() bool { return len(h.c.Alerts()) == 1 })
	h.waitState(t, Listening)

	entry := h.c.Alerts()[0]
	if entry.Result.Danger || entry.Transcript != dinnerText {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if len(h.speaker.spoken()) != 0 {
		t.Fatalf("safe verdict must not speak")
	}
	if starts, stops, _ := h.capture.counts(); starts != 1 || stops != 0 {
		t.Fatalf("capture must keep running, starts=%d stops=%d", starts, stops)
	}
	if h.c.Status().Message != MsgSafe {
		t.Fatalf("expected safe status, got %q", h.c.Status().Message)
	}
}

func TestDangerVerdictSpeaksThenResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	first := h.capture.latest()
	first.OnResult(scamText, true)
	h.waitState(t, Speaking)

	if _, stops, running := h.capture.counts(); stops != 1 || running {
		t.Fatalf("capture must be stopped while speaking")
	}
	if on, ok := h.overlay.last(); !ok || !on {
		t.Fatalf("overlay must show danger")
	}
	if said := h.speaker.spoken(); len(said) != 1 || said[0] != "impersonation/gift-card scam" {
		t.Fatalf("unexpected speech %v", said)
	}
	got := h.c.Alerts()
	if len(got) != 1 || !got[0].Result.Danger || got[0].Result.Confidence != 0.95 {
		t.Fatalf("unexpected alerts %+v", got)
	}

	// A slow synthesizer: late recognizer output must not be analyzed.
	first.OnResult("I am hearing my own warning right now", true)
	first.OnEnd()
	time.Sleep(50 * time.Millisecond)

	if n := h.cls.callCount(); n != 1 {
		t.Fatalf("analysis ran while speaking: %d calls", n)
	}
	if starts, _, _ := h.capture.counts(); starts != 1 {
		t.Fatalf("capture restarted before speech finished")
	}
	if st := h.c.Status(); st.State != Speaking {
		t.Fatalf("expected speaking, got %s", st.State)
	}

	h.speaker.finish()
	h.waitState(t, Listening)
	h.waitStarts(t, 2)

	if on, _ := h.overlay.last(); on {
		t.Fatalf("overlay must clear after resuming")
	}
}

func TestSpeechFailureStillResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.speaker.auto = true
	h.speaker.autoErr = errors.New("no audio device")
	h.activate(t)

	h.capture.latest().OnResult(scamText, true)

	h.waitStarts(t, 2)
	h.waitState(t, Listening)
}

func TestToggleTwiceRestoresInitialState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	initial := h.c.Status()

	h.activate(t)
	h.c.Toggle()
	h.waitState(t, Idle)

	st := h.c.Status()
	if st.State != initial.State || st.Message != initial.Message || st.Preview != initial.Preview {
		t.Fatalf("state %+v differs from initial %+v", st, initial)
	}
	if _, stops, running := h.capture.counts(); running || stops != 1 {
		t.Fatalf("capture left running after toggle off")
	}
	if len(h.speaker.spoken()) != 0 {
		t.Fatalf("no speech expected")
	}
}

func TestToggleOffDuringAnalysisDropsVerdict(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	release := make(chan struct{})
	h.cls.block = release
	h.activate(t)

	h.capture.latest().OnResult(scamText, true)
	h.waitState(t, Analyzing)

	h.c.Toggle()
	h.waitState(t, Idle)
	close(release)
	time.Sleep(50 * time.Millisecond)

	if len(h.speaker.spoken()) != 0 {
		t.Fatalf("late verdict must not speak")
	}
	if len(h.c.Alerts()) != 0 {
		t.Fatalf("late verdict must not be recorded")
	}
	if starts, _, running := h.capture.counts(); starts != 1 || running {
		t.Fatalf("late verdict must not restart capture")
	}
	if st := h.c.Status(); st.State != Idle {
		t.Fatalf("expected idle, got %s", st.State)
	}
}

func TestToggleOffDuringSpeakingCancelsSpeech(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.capture.latest().OnResult(scamText, true)
	h.waitState(t, Speaking)

	h.c.Toggle()
	h.waitState(t, Idle)
	time.Sleep(50 * time.Millisecond)

	h.speaker.mu.Lock()
	stops, current := h.speaker.stops, h.speaker.current
	h.speaker.mu.Unlock()

	if stops == 0 || !errors.Is(current.Err(), tts.ErrStopped) {
		t.Fatalf("pending speech must be stopped, stops=%d err=%v", stops, current.Err())
	}
	if starts, _, running := h.capture.counts(); starts != 1 || running {
		t.Fatalf("capture must stay off after toggle")
	}
	if on, _ := h.overlay.last(); on {
		t.Fatalf("overlay must clear when going idle")
	}
}

func TestOneClassificationInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	release := make(chan struct{})
	h.cls.block = release
	h.activate(t)

	sink := h.capture.latest()
	sink.OnResult(dinnerText, true)
	h.waitState(t, Analyzing)

	sink.OnResult("and bring the lasagna recipe please", true)
	waitFor(t, "preview update", func() bool {
		return strings.Contains(h.c.Status().Preview, "lasagna")
	})

	if n := h.cls.callCount(); n != 1 {
		t.Fatalf("expected one analysis in flight, got %d", n)
	}

	close(release)
	h.waitState(t, Listening)
	if n := h.cls.callCount(); n != 1 {
		t.Fatalf("dropped utterance must not be analyzed later, got %d", n)
	}
}

func TestCaptureEndRestarts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	first := h.capture.latest()
	first.OnEnd()
	h.waitStarts(t, 2)

	// A duplicate end from the finished session is stale.
	first.OnEnd()
	time.Sleep(50 * time.Millisecond)

	if starts, _, _ := h.capture.counts(); starts != 2 {
		t.Fatalf("stale end caused a restart, starts=%d", starts)
	}
	if st := h.c.Status(); st.State != Listening || st.Message != MsgListening {
		t.Fatalf("unexpected status %+v", st)
	}

	// The new session is live.
	h.capture.sink(2).OnResult(dinnerText, true)
	waitFor(t, "alert entry", func() bool { return len(h.c.Alerts()) == 1 })
}

func TestCaptureErrorBacksOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.capture.latest().OnError("audio-capture", "device unplugged")
	time.Sleep(30 * time.Millisecond)

	if starts, _, _ := h.capture.counts(); starts != 1 {
		t.Fatalf("error restart must wait for the backoff")
	}
	if st := h.c.Status(); st.State != Listening || st.Message != MsgRestarting {
		t.Fatalf("errors must not leave listening, got %+v", st)
	}

	h.waitStarts(t, 2)
	h.waitState(t, Listening)
}

func TestCaptureStartFailureRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.capture.failStarts = 1

	h.c.Toggle()
	h.waitState(t, Listening)
	h.waitStarts(t, 2)

	waitFor(t, "capture running", func() bool {
		_, _, running := h.capture.counts()
		return running
	})
}

func TestClearAlertsKeepsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.capture.latest().OnResult(dinnerText, true)
	waitFor(t, "alert entry", func() bool { return len(h.c.Alerts()) == 1 })
	h.waitState(t, Listening)
	before := h.c.Status()

	h.c.ClearAlerts()
	waitFor(t, "cleared alerts", func() bool { return len(h.c.Alerts()) == 0 })

	after := h.c.Status()
	if after.State != before.State || after.Message != before.Message {
		t.Fatalf("clear changed status from %+v to %+v", before, after)
	}
}

func TestRunShutdownTurnsGuardianOff(t *testing.T) {
	t.Parallel()

	capture := &fakeCapture{}
	c := New(Deps{
		Capture:    capture,
		Classifier: newFakeClassifier(),
		Models:     newFakeModels(true),
		Speaker:    &fakeSpeaker{},
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	c.Toggle()
	waitFor(t, "listening", func() bool { return c.Status().State == Listening })

	cancel()
	<-done

	if c.Status().State != Idle {
		t.Fatalf("run must leave the guardian idle")
	}
	if _, _, running := capture.counts(); running {
		t.Fatalf("capture left running after shutdown")
	}
}

func (h *harness) expectInert(t *testing.T) {
	t.Helper()

	h.waitState(t, Idle)
	if st := h.c.Status(); st.Message != MsgNoModel {
		t.Fatalf("expected %q, got %q", MsgNoModel, st.Message)
	}
	if _, _, running := h.capture.counts(); running {
		t.Fatalf("capture must stop once the model is gone")
	}
}

func TestModelLostMidSessionGoesIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.models.ready.Store(false)
	sink := h.capture.latest()
	for i := 0; i < 12; i++ {
		sink.OnResult(dinnerText, true)
	}

	h.expectInert(t)
	time.Sleep(30 * time.Millisecond)

	if n := h.cls.callCount(); n != 0 {
		t.Fatalf("classifier called %d times without a model", n)
	}
	if n := len(h.c.Alerts()); n != 0 {
		t.Fatalf("no-model transcripts must not fill the alert log, got %d", n)
	}
	if starts, _, _ := h.capture.counts(); starts != 1 {
		t.Fatalf("capture must not restart, starts=%d", starts)
	}
}

func TestModelDroppedByFailingAnalysisGoesIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	release := make(chan struct{})
	h.cls.block = release
	h.activate(t)

	h.capture.latest().OnResult(brokenText, true)
	h.waitState(t, Analyzing)

	// The classifier gives up on the model while this analysis is running.
	h.models.ready.Store(false)
	close(release)

	h.expectInert(t)

	got := h.c.Alerts()
	if len(got) != 1 || got[0].Result.Reasoning != classifier.ReasonModel {
		t.Fatalf("the failed analysis itself should be recorded once, got %+v", got)
	}
}

func TestNoModelVerdictIsNotRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.capture.latest().OnResult(noModelText, true)

	h.expectInert(t)
	if n := len(h.c.Alerts()); n != 0 {
		t.Fatalf("no-model verdict must not be recorded, got %d", n)
	}
}

func TestModelReturnsAfterGoingIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.activate(t)

	h.models.ready.Store(false)
	h.capture.latest().OnResult(dinnerText, true)
	h.expectInert(t)

	h.models.ready.Store(true)
	h.c.Toggle()
	h.waitState(t, Listening)
	h.waitStarts(t, 2)
}

func TestCaptureEndDuringAnalysisRestoresStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	release := make(chan struct{})
	h.cls.block = release
	h.activate(t)

	sink := h.capture.latest()
	sink.OnResult(dinnerText, true)
	h.waitState(t, Analyzing)

	sink.OnEnd()
	h.waitStarts(t, 2)
	waitFor(t, "analyzing status", func() bool { return h.c.Status().Message == MsgAnalyzing })

	close(release)
	h.waitState(t, Listening)
}
