// Package event delivers security manager outcomes to the application.
package event

import (
	"fmt"

	"github.com/rigado/blesm"
)

// Type identifies an event.
type Type uint8

const (
	TypeSecuritySetupInitiated Type = iota + 1
	TypeSecuritySetupCompleted
	TypeLinkSecured
	TypeSecurityContextStored
	TypePasskeyDisplay
	TypeValidMICTimeout
	TypeLinkKeyFailure
	TypeKeypressNotification
	TypeLegacyPairingOOBRequest
	TypeOOBRequest
	TypePasskeyRequest
	TypeConfirmationRequest
	TypeAcceptPairingRequest
	TypeKeysExchanged
	TypeLTKRequest

	typeFlush
)

var typeStrings = map[Type]string{
	TypeSecuritySetupInitiated:  "SecuritySetupInitiated",
	TypeSecuritySetupCompleted:  "SecuritySetupCompleted",
	TypeLinkSecured:             "LinkSecured",
	TypeSecurityContextStored:   "SecurityContextStored",
	TypePasskeyDisplay:          "PasskeyDisplay",
	TypeValidMICTimeout:         "ValidMICTimeout",
	TypeLinkKeyFailure:          "LinkKeyFailure",
	TypeKeypressNotification:    "KeypressNotification",
	TypeLegacyPairingOOBRequest: "LegacyPairingOOBRequest",
	TypeOOBRequest:              "OOBRequest",
	TypePasskeyRequest:          "PasskeyRequest",
	TypeConfirmationRequest:     "ConfirmationRequest",
	TypeAcceptPairingRequest:    "AcceptPairingRequest",
	TypeKeysExchanged:           "KeysExchanged",
	TypeLTKRequest:              "LTKRequest",
}

func (t Type) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event is one outcome for a link. Only the payload fields of its Type are
// set.
type Event struct {
	Type   Type
	Handle blesm.ConnHandle

	// Seq orders events of one handle. The dispatcher assigns it when zero;
	// an event posted with a Seq already used for the handle is dropped.
	Seq uint64

	Status   blesm.CompletionStatus
	Mode     blesm.SecurityMode
	Passkey  blesm.Passkey
	Keypress blesm.Keypress
	Params   blesm.Params
	Keys     blesm.KeySet
	EDIV     blesm.EDIV
	Rand     blesm.Rand

	// SecuritySetupInitiated
	Bonding bool
	MITM    bool
	IOCap   blesm.IOCapability

	flushed chan struct{}
}

func (e Event) String() string {
	return fmt.Sprintf("%s handle=%d seq=%d", e.Type, e.Handle, e.Seq)
}
