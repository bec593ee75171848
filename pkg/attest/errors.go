package attest

import "errors"

var (
	ErrChallengeUnknown   = errors.New("challenge not tracked by oracle")
	ErrConfirmTooEarly    = errors.New("confirmations open at challenge end")
	ErrBadSignature       = errors.New("confirmation signature does not verify")
	ErrUnknownParticipant = errors.New("signer is not a joined participant")
	ErrNotSettleable      = errors.New("challenge not awaiting settlement")

	// ErrFetchFailed marks transient activity-service failures. Callers
	// may retry; ledger state is never touched by oracle queries.
	ErrFetchFailed = errors.New("mileage fetch failed")
)

// Retryable reports whether err is a transient failure worth retrying,
// as opposed to an authorization or eligibility rejection.
func Retryable(err error) bool {
	return errors.Is(err, ErrFetchFailed)
}
