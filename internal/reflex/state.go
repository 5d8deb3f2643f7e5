package reflex

import "halo/internal/classifier"

type State int

const (
	Idle State = iota
	Listening
	Analyzing
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Analyzing:
		return "analyzing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Active reports whether the guardian is on.
func (s State) Active() bool { return s != Idle }

// Transcript is one recognizer result.
type Transcript struct {
	Text  string
	Final bool
}

// Status is a point-in-time view of the controller.
type Status struct {
	State       State              `json:"-"`
	StateName   string             `json:"state"`
	Message     string             `json:"message"`
	Preview     string             `json:"preview,omitempty"`
	Model       string             `json:"model,omitempty"`
	LastVerdict *classifier.Result `json:"last_verdict,omitempty"`
	Alerts      int                `json:"alerts"`
}

const (
	MsgNoModel    = "no model available"
	MsgListening  = "listening..."
	MsgAnalyzing  = "analyzing..."
	MsgWarning    = "warning!"
	MsgSafe       = "safe"
	MsgOff        = "guardian off"
	MsgRestarting = "restarting capture"
)
