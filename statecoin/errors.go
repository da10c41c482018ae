package statecoin

import (
	"errors"
	"fmt"
)

// ErrNetworkUnavailable is retryable: surface it to the caller after the
// configured number of attempts has been exhausted.
var ErrNetworkUnavailable = errors.New("statecoin: network unavailable")

// ErrLocktimeExhausted means a coin's next decremented locktime would fall
// to or below the current block height (or below zero): it must be settled
// on-chain.
var ErrLocktimeExhausted = errors.New("statecoin: locktime exhausted, coin must be withdrawn on-chain")

// ErrPersistence wraps a local store failure. Always fatal.
var ErrPersistence = errors.New("statecoin: persistence error")

// SEProtocolError is a server-reported error from the statechain entity.
// BatchLocked is a recoverable control-flow signal, not a genuine failure;
// every other code is fatal to the current operation.
type SEProtocolError struct {
	Code    string
	Message string
}

func (e *SEProtocolError) Error() string {
	return fmt.Sprintf("statecoin: SE protocol error %s: %s", e.Code, e.Message)
}

// IsBatchLocked reports whether this error is the recoverable
// StatecoinBatchLockedError signal.
func (e *SEProtocolError) IsBatchLocked() bool {
	return e.Code == "StatecoinBatchLockedError"
}

// CryptoInvalid reports a signature, nonce, or key-aggregation mismatch.
// Fatal to the current operation; never retried.
type CryptoInvalid struct {
	Which string
}

func (e *CryptoInvalid) Error() string {
	return fmt.Sprintf("statecoin: invalid cryptographic material: %s", e.Which)
}

// ValidationStep names one of the ordered checks SigSchemeValidator runs,
// used to report exactly which step of §4.4 rejected a transfer.
type ValidationStep string

const (
	StepShape            ValidationStep = "Shape"
	StepAmount           ValidationStep = "Amount"
	StepLocktime         ValidationStep = "LocktimeMonotonicity"
	StepDestination      ValidationStep = "Destination"
	StepSignatureCover   ValidationStep = "SignatureCover"
	StepFundingPubkey    ValidationStep = "FundingPubkey"
)

// ChainValidationFailed reports that one of the SigSchemeValidator's steps
// rejected a transfer. Fatal; the wallet is left unchanged.
type ChainValidationFailed struct {
	Step   ValidationStep
	Reason string
}

func (e *ChainValidationFailed) Error() string {
	return fmt.Sprintf("statecoin: chain validation failed at step %s: %s", e.Step, e.Reason)
}

// NotFound reports a referenced entity (coin, statechain ID, wallet...)
// missing from local state.
type NotFound struct {
	Entity string
	ID     string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("statecoin: %s not found: %s", e.Entity, e.ID)
}
