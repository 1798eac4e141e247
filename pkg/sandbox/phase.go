package sandbox

import "fmt"

// Phase is the position of a session key in the acquisition state machine.
//
//	Idle -> Looking -> Ready
//	                -> Resuming -> Ready
//	                -> Creating -> Ready
//	any  -> Failed
//
// Failed is not sticky: the next acquisition starts over from Idle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLooking  Phase = "looking"
	PhaseResuming Phase = "resuming"
	PhaseCreating Phase = "creating"
	PhaseReady    Phase = "ready"
	PhaseFailed   Phase = "failed"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:    {PhaseLooking},
	PhaseLooking: {PhaseReady, PhaseResuming, PhaseCreating, PhaseLooking},
	// A resume that finds the sandbox gone goes back to lookup once.
	PhaseResuming: {PhaseReady, PhaseLooking},
	PhaseCreating: {PhaseReady, PhaseResuming},
	PhaseReady:    {PhaseIdle, PhaseLooking, PhaseResuming},
	PhaseFailed:   {PhaseIdle, PhaseLooking},
}

// ValidatePhaseTransition checks whether moving from one phase to another
// is allowed. Any phase may move to Failed.
func ValidatePhaseTransition(from, to Phase) error {
	if to == PhaseFailed {
		return nil
	}
	allowed, ok := phaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %q", from)
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition from %s to %s", from, to)
}
