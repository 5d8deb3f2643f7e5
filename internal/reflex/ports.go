package reflex

import (
	"context"
	log "log/slog"

	"halo/internal/tts"
)

type CaptureOptions struct {
	Language   string
	Interim    bool
	Continuous bool
}

// CaptureSink receives recognizer output for one session.
type CaptureSink interface {
	OnResult(text string, final bool)
	OnEnd()
	OnError(code, msg string)
}

// Capture is a speech recognizer. After Stop returns the sink passed to the
// matching Start receives nothing further.
type Capture interface {
	Start(ctx context.Context, opts CaptureOptions, sink CaptureSink) error
	Stop() error
}

type Speaker interface {
	Speak(text string, urgent bool) *tts.Completion
	Stop()
}

// Overlay mirrors the danger signal. SetDanger is called from the controller
// loop and must not block.
type Overlay interface {
	SetDanger(on bool)
}

// StatusSink shows short status lines and the live transcript preview. Like
// Overlay, it must not block.
type StatusSink interface {
	Status(msg string)
	Preview(text string)
}

type nopOverlay struct{}

func (nopOverlay) SetDanger(bool) {}

type nopStatus struct{}

func (nopStatus) Status(string)  {}
func (nopStatus) Preview(string) {}

// LogStatus writes status lines to the default logger. Previews go to debug.
type LogStatus struct{}

func (LogStatus) Status(msg string) { log.Info("Status", "msg", msg) }

func (LogStatus) Preview(text string) {
	if text != "" {
		log.Debug("Heard", "text", text)
	}
}

// StatusSinks fans every call out to each sink in order.
type StatusSinks []StatusSink

func (s StatusSinks) Status(msg string) {
	for _, sink := range s {
		sink.Status(msg)
	}
}

func (s StatusSinks) Preview(text string) {
	for _, sink := range s {
		sink.Preview(text)
	}
}
