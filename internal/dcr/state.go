package dcr

// State is a component configuration's position in the DCR state machine,
// per SPEC_FULL.md §3's "Component configuration" data model.
type State int

const (
	// UnsatisfiedReference is the initial state and the state reached
	// whenever a mandatory reference has no bound candidate.
	UnsatisfiedReference State = iota
	// Satisfied means every mandatory reference has at least one
	// candidate, but the implementation has not (yet) been constructed.
	Satisfied
	// Active means the implementation instance exists and, if the
	// component declares published interfaces, has been registered.
	Active
	// FailedActivation means the implementation constructor or Activate
	// callback returned an error. There is no timed retry; the next change
	// to one of the configuration's tracked references starts a new
	// activation attempt.
	FailedActivation
)

func (s State) String() string {
	switch s {
	case UnsatisfiedReference:
		return "UNSATISFIED_REFERENCE"
	case Satisfied:
		return "SATISFIED"
	case Active:
		return "ACTIVE"
	case FailedActivation:
		return "FAILED_ACTIVATION"
	default:
		return "UNKNOWN"
	}
}
