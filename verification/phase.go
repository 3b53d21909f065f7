package verification

// Phases move forward only, in this order, except that Cancelled is reachable from any
// non-terminal phase.
type Phase int

const (
	PhaseUnsent Phase = iota
	PhaseRequested
	PhaseReady
	PhaseStarted
	PhaseDone
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseUnsent:
		return "unsent"
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseStarted:
		return "started"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}
