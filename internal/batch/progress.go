package batch

import (
	"github.com/0xPuncker/mozart-engraver/pkg/types"
)

type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseEngrave  Phase = "engrave"
	PhaseConvert  Phase = "convert"
	PhaseOverview Phase = "overview"
	PhaseDone     Phase = "done"
)

const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusSucceeded = "completed successfully"
	StatusFailures  = "completed with failures"
	StatusAborted   = "aborted by user"
	StatusUpToDate  = "all examples were up to date"
)

// Activity is what one runner is doing. An empty Example means idle.
type Activity struct {
	Runner  int              `json:"runner"`
	Example string           `json:"example,omitempty"`
	Type    types.OutputType `json:"type,omitempty"`
}

// Progress is a snapshot of a batch, published after every change.
type Progress struct {
	ID        string     `json:"id"`
	Phase     Phase      `json:"phase"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Scheduled int        `json:"scheduled"`
	Skipped   int        `json:"skipped"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Aborted   int        `json:"aborted"`
	Runners   []Activity `json:"runners"`
	Elapsed   string     `json:"elapsed"`
	Summary   string     `json:"summary,omitempty"`
	Overview  string     `json:"overview,omitempty"`
	Done      bool       `json:"done"`
}

type Observer func(Progress)
