package reflex

import "halo/internal/classifier"

type event interface{ isEvent() }

type (
	toggleEvent struct{}
	clearEvent  struct{}

	resultEvent struct {
		session, capture uint64
		transcript       Transcript
	}
	endEvent struct {
		session, capture uint64
	}
	errorEvent struct {
		session, capture uint64
		code, msg        string
	}
	restartEvent struct {
		session, capture uint64
	}

	verdictEvent struct {
		session    uint64
		transcript string
		result     classifier.Result
	}
	spokenEvent struct {
		session uint64
		err     error
	}
	resumeEvent struct {
		session uint64
	}
)

func (toggleEvent) isEvent()  {}
func (clearEvent) isEvent()   {}
func (resultEvent) isEvent()  {}
func (endEvent) isEvent()     {}
func (errorEvent) isEvent()   {}
func (restartEvent) isEvent() {}
func (verdictEvent) isEvent() {}
func (spokenEvent) isEvent()  {}
func (resumeEvent) isEvent()  {}

// sessionSink tags recognizer callbacks with the session they belong to.
type sessionSink struct {
	c                *Controller
	session, capture uint64
}

func (s sessionSink) OnResult(text string, final bool) {
	s.c.post(resultEvent{session: s.session, capture: s.capture, transcript: Transcript{Text: text, Final: final}})
}

func (s sessionSink) OnEnd() {
	s.c.post(endEvent{session: s.session, capture: s.capture})
}

func (s sessionSink) OnError(code, msg string) {
	s.c.post(errorEvent{session: s.session, capture: s.capture, code: code, msg: msg})
}
