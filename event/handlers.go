package event

import "github.com/rigado/blesm"

// Handlers are the application callbacks. Any of them may be nil. They run
// on the dispatcher goroutine and may call back into the security manager.
type Handlers struct {
	SecuritySetupInitiated  func(h blesm.ConnHandle, bonding, mitm bool, ioCap blesm.IOCapability)
	SecuritySetupCompleted  func(h blesm.ConnHandle, status blesm.CompletionStatus)
	LinkSecured             func(h blesm.ConnHandle, mode blesm.SecurityMode)
	SecurityContextStored   func(h blesm.ConnHandle)
	PasskeyDisplay          func(h blesm.ConnHandle, passkey blesm.Passkey)
	ValidMICTimeout         func(h blesm.ConnHandle)
	LinkKeyFailure          func(h blesm.ConnHandle)
	KeypressNotification    func(h blesm.ConnHandle, kp blesm.Keypress)
	LegacyPairingOOBRequest func(h blesm.ConnHandle)
	OOBRequest              func(h blesm.ConnHandle)
	PasskeyRequest          func(h blesm.ConnHandle)
	ConfirmationRequest     func(h blesm.ConnHandle)
	AcceptPairingRequest    func(h blesm.ConnHandle, peer blesm.Params)
	KeysExchanged           func(h blesm.ConnHandle, keys blesm.KeySet)
	LTKRequest              func(h blesm.ConnHandle, ediv blesm.EDIV, rand blesm.Rand)
}

// deliver invokes the handler for e. It reports whether one was set.
func (hs *Handlers) deliver(e Event) bool {
	h := e.Handle
	switch e.Type {
	case TypeSecuritySetupInitiated:
		if hs.SecuritySetupInitiated != nil {
			hs.SecuritySetupInitiated(h, e.Bonding, e.MITM, e.IOCap)
			return true
		}
	case TypeSecuritySetupCompleted:
		if hs.SecuritySetupCompleted != nil {
			hs.SecuritySetupCompleted(h, e.Status)
			return true
		}
	case TypeLinkSecured:
		if hs.LinkSecured != nil {
			hs.LinkSecured(h, e.Mode)
			return true
		}
	case TypeSecurityContextStored:
		if hs.SecurityContextStored != nil {
			hs.SecurityContextStored(h)
			return true
		}
	case TypePasskeyDisplay:
		if hs.PasskeyDisplay != nil {
			hs.PasskeyDisplay(h, e.Passkey)
			return true
		}
	case TypeValidMICTimeout:
		if hs.ValidMICTimeout != nil {
			hs.ValidMICTimeout(h)
			return true
		}
	case TypeLinkKeyFailure:
		if hs.LinkKeyFailure != nil {
			hs.LinkKeyFailure(h)
			return true
		}
	case TypeKeypressNotification:
		if hs.KeypressNotification != nil {
			hs.KeypressNotification(h, e.Keypress)
			return true
		}
	case TypeLegacyPairingOOBRequest:
		if hs.LegacyPairingOOBRequest != nil {
			hs.LegacyPairingOOBRequest(h)
			return true
		}
	case TypeOOBRequest:
		if hs.OOBRequest != nil {
			hs.OOBRequest(h)
			return true
		}
	case TypePasskeyRequest:
		if hs.PasskeyRequest != nil {
			hs.PasskeyRequest(h)
			return true
		}
	case TypeConfirmationRequest:
		if hs.ConfirmationRequest != nil {
			hs.ConfirmationRequest(h)
			return true
		}
	case TypeAcceptPairingRequest:
		if hs.AcceptPairingRequest != nil {
			hs.AcceptPairingRequest(h, e.Params)
			return true
		}
	case TypeKeysExchanged:
		if hs.KeysExchanged != nil {
			hs.KeysExchanged(h, e.Keys)
			return true
		}
	case TypeLTKRequest:
		if hs.LTKRequest != nil {
			hs.LTKRequest(h, e.EDIV, e.Rand)
			return true
		}
	}
	return false
}
