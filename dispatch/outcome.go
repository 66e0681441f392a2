package dispatch

// Outcome reports what one Process call did. Race losers and already-sent
// messages are not errors.
type Outcome string

const (
	OutcomeSent               Outcome = "sent"
	OutcomeSimulated          Outcome = "simulated"
	OutcomeSkippedMissing     Outcome = "skipped_missing"
	OutcomeSkippedAlreadySent Outcome = "skipped_already_sent"
	OutcomeSkippedTerminal    Outcome = "skipped_terminal"
	OutcomePaused             Outcome = "paused"
	OutcomeThrottled          Outcome = "throttled"
	OutcomeClaimLost          Outcome = "claim_lost"
	OutcomeFailed             Outcome = "failed"
	OutcomeInvariantBreach    Outcome = "invariant_breach"
)

func (o Outcome) String() string {
	return string(o)
}
