package train

import "fmt"

// State is the lifecycle phase of a Trainer.
type State int

const (
	Uninitialized State = iota
	Restoring
	Running
	Checkpointing
	TerminatedByExhaustion
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Restoring:
		return "restoring"
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case TerminatedByExhaustion:
		return "terminated_by_exhaustion"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
