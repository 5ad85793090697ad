package debugger

// State is a repair loop state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateIssuesFound
	StateCallFailed
	StateRevising
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateIssuesFound:
		return "issues_found"
	case StateCallFailed:
		return "call_failed"
	case StateRevising:
		return "revising"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }
