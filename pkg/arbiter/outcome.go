package arbiter

// Outcome is the result of arbitrating one conflict: Resolved or Escalated.
type Outcome interface {
	isOutcome()
}

// Resolved names the winning candidate and who picked it.
type Resolved struct {
	WinnerID string
	LoserIDs []string
	Resolver string
	Scores   map[string]float64
}

// Escalated hands the conflict to a human.
type Escalated struct {
	Reason string
	Scores map[string]float64
}

func (Resolved) isOutcome()  {}
func (Escalated) isOutcome() {}

// Escalation reasons.
const (
	ReasonWithinMargin   = "SCORES_WITHIN_MARGIN"
	ReasonTooFewLive     = "INSUFFICIENT_CANDIDATES"
	ReasonUnscorableItem = "UNSCORABLE_ITEM"
)
