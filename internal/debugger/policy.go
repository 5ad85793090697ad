package debugger

// Decision is what the loop does after a failed model call.
type Decision int

const (
	// EscalateTier retries with the next, more capable model.
	EscalateTier Decision = iota
	// HideOldestMessage retries with the oldest hideable message left out.
	HideOldestMessage
	// GiveUp ends the pipeline with ErrCallsExhausted.
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case EscalateTier:
		return "escalate_tier"
	case HideOldestMessage:
		return "hide_oldest_message"
	case GiveUp:
		return "give_up"
	}
	return "unknown"
}

// FailureState is everything a policy may look at.
type FailureState struct {
	Tier     int // current tier index
	Tiers    int // number of tiers
	Hidden   int // messages hidden so far
	Hideable int // messages that could still be hidden
	Failures int // consecutive failed calls
}

// RetryPolicy decides how to react to a failed model call. Policies hold
// no state of their own.
type RetryPolicy interface {
	Decide(s FailureState) Decision
}

// DefaultPolicy escalates through the tiers first, then shrinks the
// context one message at a time, then gives up. MaxHidden of zero means no
// limit on hidden messages.
type DefaultPolicy struct {
	MaxHidden int
}

// Decide implements RetryPolicy.
func (p DefaultPolicy) Decide(s FailureState) Decision {
	if s.Tier+1 < s.Tiers {
		return EscalateTier
	}
	if s.Hideable > 0 && (p.MaxHidden == 0 || s.Hidden < p.MaxHidden) {
		return HideOldestMessage
	}
	return GiveUp
}

// PolicyFunc adapts a function to RetryPolicy.
type PolicyFunc func(s FailureState) Decision

// Decide implements RetryPolicy.
func (f PolicyFunc) Decide(s FailureState) Decision { return f(s) }
