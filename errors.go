package blesm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy. Callers match with errors.Cause.
var (
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrVerificationFailed = errors.New("verification failed")
	ErrStoreFull          = errors.New("store full")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("timeout")
	ErrNoKeyAvailable     = errors.New("no key available")
	ErrUnknownHandle      = errors.New("unknown connection handle")
	ErrNotSupported       = errors.New("not supported")
)

// Reason is the pairing failed reason code [Vol 3, Part H, 3.5.5, Table 3.7].
type Reason uint8

const (
	ReasonPasskeyEntryFailed         Reason = 0x01
	ReasonOOBNotAvailable            Reason = 0x02
	ReasonAuthenticationRequirements Reason = 0x03
	ReasonConfirmValueFailed         Reason = 0x04
	ReasonPairingNotSupported        Reason = 0x05
	ReasonEncryptionKeySize          Reason = 0x06
	ReasonCommandNotSupported        Reason = 0x07
	ReasonUnspecified                Reason = 0x08
	ReasonRepeatedAttempts           Reason = 0x09
	ReasonInvalidParameters          Reason = 0x0a
	ReasonDHKeyCheckFailed           Reason = 0x0b
	ReasonNumericComparisonFailed    Reason = 0x0c
	ReasonBREDRPairingInProgress     Reason = 0x0d
	ReasonCrossTransportNotAllowed   Reason = 0x0e
)

var reasonStrings = []string{
	"reserved",
	"passkey entry failed",
	"oob not available",
	"authentication requirements",
	"confirm value failed",
	"pairing not supported",
	"encryption key size",
	"command not supported",
	"unspecified reason",
	"repeated attempts",
	"invalid parameters",
	"dhkey check failed",
	"numeric comparison failed",
	"BR/EDR pairing in progress",
	"cross-transport key derivation/generation not allowed",
}

func (r Reason) String() string {
	if int(r) < len(reasonStrings) {
		return reasonStrings[r]
	}
	return fmt.Sprintf("reason(0x%02x)", uint8(r))
}

// CompletionStatus is reported with SecuritySetupCompleted. SMP failures
// are 0x80 | Reason.
type CompletionStatus uint8

const (
	StatusSuccess    CompletionStatus = 0x00
	StatusTimeout    CompletionStatus = 0x01
	StatusPDUInvalid CompletionStatus = 0x02
)

func StatusFromReason(r Reason) CompletionStatus {
	return CompletionStatus(0x80 | uint8(r))
}

// Reason returns the SMP reason for failure statuses.
func (s CompletionStatus) Reason() (Reason, bool) {
	if s&0x80 == 0 {
		return 0, false
	}
	return Reason(s &^ 0x80), true
}

func (s CompletionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusPDUInvalid:
		return "pdu invalid"
	}
	if r, ok := s.Reason(); ok {
		return r.String()
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// Err maps a status onto the error taxonomy; nil for success.
func (s CompletionStatus) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusTimeout:
		return ErrTimeout
	case StatusPDUInvalid:
		return ErrInvalidParameter
	}

	r, _ := s.Reason()
	switch r {
	case ReasonConfirmValueFailed, ReasonDHKeyCheckFailed,
		ReasonNumericComparisonFailed, ReasonPasskeyEntryFailed:
		return errors.Wrap(ErrVerificationFailed, r.String())
	case ReasonInvalidParameters:
		return errors.Wrap(ErrInvalidParameter, r.String())
	case ReasonCommandNotSupported, ReasonPairingNotSupported:
		return errors.Wrap(ErrNotSupported, r.String())
	}
	return errors.Errorf("pairing failed: %s", s)
}
