// Package delivery turns engagement decisions into pushed messages: the
// coordinator routes decisions to the connection registry or the store,
// and the scheduler drains due engagements on a fixed interval.
package delivery

import "time"

// TimingKind discriminates when a decision wants its message sent.
type TimingKind string

const (
	// TimingImmediate means push right now if the user is reachable.
	TimingImmediate TimingKind = "immediate"
	// TimingDelayed means schedule for a fixed number of seconds from now.
	TimingDelayed TimingKind = "delayed"
)

// Timing is when to deliver. Immediate and DelayedBy are the only
// constructors; downstream code switches on Kind exhaustively and treats
// anything else as invalid.
type Timing struct {
	Kind  TimingKind
	Delay time.Duration
}

// Immediate returns the push-now timing.
func Immediate() Timing {
	return Timing{Kind: TimingImmediate}
}

// DelayedBy returns a timing that fires the given number of seconds from
// the moment the decision is processed.
func DelayedBy(seconds int) Timing {
	return Timing{Kind: TimingDelayed, Delay: time.Duration(seconds) * time.Second}
}

// Decision is the oracle's verdict on whether and when to reach out. When
// ShouldEngage is false the other fields are meaningless.
type Decision struct {
	ShouldEngage bool
	Timing       Timing
	Content      string
	Confidence   float64
}

// Target identifies whose conversation a decision belongs to.
type Target struct {
	UserID        string
	SessionID     string
	PersonalityID string
}
