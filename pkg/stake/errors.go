package stake

import "errors"

// Every rejection names the precondition that failed. The same entry
// point serves many distinct causes, so callers and tests match with
// errors.Is rather than string comparison.
var (
	// Parameter validation, rejected before any state is touched.
	ErrInvalidParameters    = errors.New("invalid challenge parameters")
	ErrInvalidCorrelationID = errors.New("correlation id must not be empty")
	ErrChallengeNotFound    = errors.New("challenge not found")

	// Eligibility: whitelist, state or time-window violations.
	ErrNotEligible              = errors.New("caller not on challenge whitelist")
	ErrNotAcceptingParticipants = errors.New("challenge not accepting participants")
	ErrRegistrationClosed       = errors.New("registration window closed")
	ErrNotInGracePeriod         = errors.New("challenge not in grace period")
	ErrChallengeTerminal        = errors.New("challenge already settled")
	ErrCannotCancel             = errors.New("challenge can no longer be cancelled")
	ErrNotCancelled             = errors.New("challenge is not cancelled")
	ErrClaimWindowClosed        = errors.New("claim window closed, emergency period open")
	ErrEmergencyNotOpen         = errors.New("emergency withdrawal window not yet open")
	ErrNotParticipant           = errors.New("caller never joined this challenge")
	ErrNotWinner                = errors.New("claimant is not the attested winner")

	// Authorization: signatures and key custody.
	ErrInvalidSignature    = errors.New("signature does not verify")
	ErrDuplicateSigner     = errors.New("duplicate signer in consent set")
	ErrWrongSignatureCount = errors.New("consent set size must equal joined participant count")
	ErrNotAttester         = errors.New("caller does not hold the attester key")

	// Economic.
	ErrWrongStakeAmount  = errors.New("stake value must equal the challenge stake amount")
	ErrAlreadyJoined     = errors.New("identity already joined this challenge")
	ErrNoStakeToWithdraw = errors.New("no stake to withdraw")

	// Staleness.
	ErrStaleAttestation  = errors.New("attestation signed too long ago")
	ErrFutureAttestation = errors.New("attestation signed in the future")
	ErrEmptyResultHash   = errors.New("attestation result hash must not be empty")
)
