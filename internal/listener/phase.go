package listener

// Phase is the engine lifecycle state.
type Phase int32

const (
	// PhaseStopped means no cycle is active; configuration may change.
	PhaseStopped Phase = iota
	// PhaseReplaying means source listeners are iterating stored events.
	PhaseReplaying
	// PhaseDraining means the merge buffer is being sorted and flushed.
	PhaseDraining
	// PhaseLive means stored events are exhausted and pushes flow through.
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseReplaying:
		return "replaying"
	case PhaseDraining:
		return "draining"
	case PhaseLive:
		return "live"
	default:
		return "unknown"
	}
}
