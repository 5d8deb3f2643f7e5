package reflex

import (
	"context"
	"errors"
	log "log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"halo/internal/alerts"
	"halo/internal/classifier"
	"halo/internal/tts"
)

const (
	DefaultMinChars        = 10
	DefaultResumeDelay     = 800 * time.Millisecond
	DefaultEndRestartDelay = 800 * time.Millisecond
	DefaultErrorBackoff    = 2 * time.Second
)

type Classifier interface {
	Classify(ctx context.Context, text string) classifier.Result
}

// Models reports whether a model is ready to classify.
type Models interface {
	Active() (string, bool)
}

type Config struct {
	MinChars        int
	ResumeDelay     time.Duration
	EndRestartDelay time.Duration
	ErrorBackoff    time.Duration
	Capture         CaptureOptions
}

func (c *Config) applyDefaults() {
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	if c.ResumeDelay <= 0 {
		c.ResumeDelay = DefaultResumeDelay
	}
	if c.EndRestartDelay <= 0 {
		c.EndRestartDelay = DefaultEndRestartDelay
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
}

type Deps struct {
	Capture    Capture
	Classifier Classifier
	Models     Models
	Speaker    Speaker
	Alerts     *alerts.Log
	Overlay    Overlay    // optional
	Status     StatusSink // optional
}

// Controller runs the listen, analyze, warn, resume cycle. All state below
// the mailbox is owned by the Run goroutine; other goroutines only post
// events and read the published status.
type Controller struct {
	deps Deps
	cfg  Config

	qmu   sync.Mutex
	queue []event
	wake  chan struct{}

	smu  sync.RWMutex
	snap Status

	ctx            context.Context
	state          State
	session        uint64
	capture        uint64
	capturing      bool
	cancelAnalysis context.CancelFunc
	message        string
	preview        string
	lastVerdict    *classifier.Result
}

func New(deps Deps, cfg Config) *Controller {
	cfg.applyDefaults()
	if deps.Overlay == nil {
		deps.Overlay = nopOverlay{}
	}
	if deps.Status == nil {
		deps.Status = nopStatus{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.NewLog(alerts.DefaultCapacity)
	}

	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		message: MsgOff,
	}
	c.publish()
	return c
}

// Toggle switches the guardian on or off.
func (c *Controller) Toggle() { c.post(toggleEvent{}) }

// ClearAlerts empties the alert log without touching the state.
func (c *Controller) ClearAlerts() { c.post(clearEvent{}) }

func (c *Controller) Status() Status {
	c.smu.RLock()
	defer c.smu.RUnlock()

	s := c.snap
	s.Alerts = c.deps.Alerts.Len()
	return s
}

func (c *Controller) Alerts() []alerts.Entry {
	return c.deps.Alerts.Snapshot()
}

// Run processes events until ctx is done, then shuts the guardian down.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.wake:
		}

		for _, ev := range c.drain() {
			c.handle(ev)
		}
		c.publish()
	}
}

func (c *Controller) post(ev event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) postAfter(d time.Duration, ev event) {
	time.AfterFunc(d, func() { c.post(ev) })
}

func (c *Controller) drain() []event {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	evs := c.queue
	c.queue = nil
	return evs
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case toggleEvent:
		c.onToggle()
	case clearEvent:
		c.deps.Alerts.Clear()
		log.Info("Alerts cleared")
	case resultEvent:
		if c.live(ev.session, ev.capture) {
			c.onTranscript(ev.transcript)
		}
	case endEvent:
		if c.live(ev.session, ev.capture) {
			log.Debug("Capture ended", "capture", ev.capture)
			c.scheduleRestart(c.cfg.EndRestartDelay)
		}
	case errorEvent:
		if c.live(ev.session, ev.capture) {
			log.Warn("Capture error", "code", ev.code, "msg", ev.msg)
			c.scheduleRestart(c.cfg.ErrorBackoff)
		}
	case restartEvent:
		if ev.session == c.session && ev.capture == c.capture && !c.capturing &&
			(c.state == Listening || c.state == Analyzing) {
			c.startCapture()
			if c.capturing {
				switch c.state {
				case Listening:
					c.setStatus(MsgListening)
				case Analyzing:
					c.setStatus(MsgAnalyzing)
				}
			}
		}
	case verdictEvent:
		if ev.session == c.session && c.state == Analyzing {
			c.onVerdict(ev.transcript, ev.result)
		}
	case spokenEvent:
		if ev.session == c.session && c.state == Speaking {
			if ev.err != nil && !errors.Is(ev.err, tts.ErrStopped) {
				log.Warn("Speech failed", "err", ev.err)
			}
			c.postAfter(c.cfg.ResumeDelay, resumeEvent{session: c.session})
		}
	case resumeEvent:
		if ev.session == c.session && c.state == Speaking {
			c.deps.Overlay.SetDanger(false)
			c.state = Listening
			c.setStatus(MsgListening)
			c.startCapture()
		}
	}
}

// live reports whether a capture callback belongs to the running session.
func (c *Controller) live(session, capture uint64) bool {
	return c.capturing && session == c.session && capture == c.capture
}

func (c *Controller) onToggle() {
	c.session++

	if c.state.Active() {
		c.deactivate(MsgOff)
		log.Info("Guardian off")
		return
	}

	model, ok := c.deps.Models.Active()
	if !ok {
		log.Warn("Toggle ignored", "reason", MsgNoModel)
		c.setStatus(MsgNoModel)
		return
	}

	log.Info("Guardian on", "model", model)
	c.state = Listening
	c.setStatus(MsgListening)
	c.startCapture()
}

// deactivate stops everything the session owns and goes Idle.
func (c *Controller) deactivate(msg string) {
	c.stopCapture()
	if c.cancelAnalysis != nil {
		c.cancelAnalysis()
		c.cancelAnalysis = nil
	}
	c.deps.Speaker.Stop()
	c.deps.Overlay.SetDanger(false)
	c.state = Idle
	c.setPreview("")
	c.setStatus(msg)
}

// modelLost goes Idle once the selector has dropped the model.
func (c *Controller) modelLost() {
	c.session++
	c.deactivate(MsgNoModel)
	log.Warn("Guardian off", "reason", MsgNoModel)
}

func (c *Controller) onTranscript(t Transcript) {
	c.setPreview(t.Text)

	if !t.Final || c.state != Listening {
		return
	}

	text := strings.TrimSpace(t.Text)
	if utf8.RuneCountInString(text) < c.cfg.MinChars {
		log.Debug("Transcript too short", "text", text)
		return
	}

	if _, ok := c.deps.Models.Active(); !ok {
		c.modelLost()
		return
	}

	c.state = Analyzing
	c.setStatus(MsgAnalyzing)

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAnalysis = cancel
	session := c.session

	go func() {
		defer cancel()
		res := c.deps.Classifier.Classify(ctx, text)
		c.post(verdictEvent{session: session, transcript: text, result: res})
	}()
}

func (c *Controller) onVerdict(text string, res classifier.Result) {
	c.cancelAnalysis = nil
	if res.Reasoning == classifier.ReasonNoModel {
		c.modelLost()
		return
	}

	c.lastVerdict = &res
	c.deps.Alerts.Record(alerts.NewEntry(res, text))

	log.Info("Verdict", "danger", res.Danger, "confidence", res.Confidence, "reasoning", res.Reasoning)

	if !res.Danger {
		if _, ok := c.deps.Models.Active(); !ok {
			c.modelLost()
			return
		}
		c.state = Listening
		c.setStatus(MsgSafe)
		return
	}

	c.deps.Overlay.SetDanger(true)
	c.stopCapture()
	c.state = Speaking
	c.setStatus(MsgWarning)

	done := c.deps.Speaker.Speak(res.Reasoning, true)
	session := c.session
	go func() {
		<-done.Done()
		c.post(spokenEvent{session: session, err: done.Err()})
	}()
}

func (c *Controller) startCapture() {
	c.capture++
	sink := sessionSink{c: c, session: c.session, capture: c.capture}

	if err := c.deps.Capture.Start(c.ctx, c.cfg.Capture, sink); err != nil {
		log.Error("Failed to start capture", "err", err)
		c.capturing = false
		c.postAfter(c.cfg.ErrorBackoff, restartEvent{session: c.session, capture: c.capture})
		return
	}
	c.capturing = true
}

func (c *Controller) stopCapture() {
	if !c.capturing {
		return
	}
	c.capturing = false
	if err := c.deps.Capture.Stop(); err != nil {
		log.Warn("Failed to stop capture", "err", err)
	}
}

func (c *Controller) scheduleRestart(delay time.Duration) {
	c.capturing = false
	c.setStatus(MsgRestarting)
	c.postAfter(delay, restartEvent{session: c.session, capture: c.capture})
}

func (c *Controller) shutdown() {
	if c.state.Active() {
		c.onToggle()
		c.publish()
	}
}

func (c *Controller) setStatus(msg string) {
	if msg == c.message {
		return
	}
	c.message = msg
	c.deps.Status.Status(msg)
}

func (c *Controller) setPreview(text string) {
	c.preview = text
	c.deps.Status.Preview(text)
}

func (c *Controller) publish() {
	model, _ := c.deps.Models.Active()

	c.smu.Lock()
	c.snap = Status{
		State:       c.state,
		StateName:   c.state.String(),
		Message:     c.message,
		Preview:     c.preview,
		Model:       model,
		LastVerdict: c.lastVerdict,
	}
	c.smu.Unlock()
}
