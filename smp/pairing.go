package smp

import (
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
)

// localParams adjusts the parameters this side sends to what it can do on
// the link. Under Secure Connections the OOB flag says this side holds the
// peer's data, so legacy data generated here only raises it when the
// pairing cannot be Secure Connections.
func (l *link) localParams(params blesm.Params) blesm.Params {
	if !l.m.settings().scEnabled {
		params.AuthReq &^= blesm.AuthSecureConnections
	}
	if l.peerOOB != nil || (l.localOOB != nil && l.localOOB.legacy && !l.maySecureConnections(params)) {
		params.OOB = true
	}
	return params
}

// maySecureConnections tells whether pairing with params can end up as
// Secure Connections. The responder already knows the request.
func (l *link) maySecureConnections(params blesm.Params) bool {
	if !params.AuthReq.SecureConnections() {
		return false
	}
	if p := l.pairing; p != nil && !p.initiator {
		return p.request.AuthReq.SecureConnections()
	}
	return true
}

func (l *link) requestPairing(params blesm.Params) error {
	if l.role != blesm.RoleCentral {
		return invalidState("pairing request from peripheral")
	}
	if l.pairing != nil {
		return invalidState("pairing in state %s", l.pairing.state)
	}
	if err := validateParams(params); err != nil {
		return err
	}

	params = l.localParams(params)

	p := l.newPairing(true)
	p.local = params
	p.request = params
	p.preq = MarshalPairing(pairingRequest, params)
	p.state = Requested
	p.expect = pairingResponse

	l.post(event.Event{
		Type:    event.TypeSecuritySetupInitiated,
		Bonding: params.AuthReq.Bonding(),
		MITM:    params.AuthReq.MITM(),
		IOCap:   params.IOCap,
	})

	return l.send(p.preq[:])
}

// accept answers the pending pairing request with params.
func (l *link) accept(params blesm.Params) error {
	p := l.pairing

	params = l.localParams(params)

	rsp := params
	rsp.InitiatorKey &= p.request.InitiatorKey
	rsp.ResponderKey &= p.request.ResponderKey

	p.local = params
	p.response = rsp
	p.pres = MarshalPairing(pairingResponse, rsp)

	s := l.m.settings()
	n, reason := negotiate(p.request, rsp, params, s.scEnabled, s.scOnly)
	if reason != 0 {
		return failed(reason, "negotiation with %v", p.request.IOCap)
	}
	p.negotiation = n

	if err := l.send(p.pres[:]); err != nil {
		return err
	}
	p.state = CapabilitiesExchanged

	return l.startAuthentication()
}

func (l *link) startAuthentication() error {
	p := l.pairing
	p.authenticated = p.method.Authenticated()

	l.log.Infof("pairing with %s, secure connections %v, key size %d, bonding %v",
		p.method, p.sc, p.keySize, p.bonding)

	if p.sc {
		return l.scStart()
	}
	return l.legacyStart()
}

// startPasskey sets up passkey entry: the displaying side creates the
// passkey, the other asks the user for it.
func (l *link) startPasskey() error {
	p := l.pairing

	initDisplays, respDisplays := passkeyRoles(p.request.IOCap, p.response.IOCap)
	displays := respDisplays
	if p.initiator {
		displays = initDisplays
	}

	p.state = AuthenticatingMITM

	if !displays {
		p.waitingUser = true
		l.post(event.Event{Type: event.TypePasskeyRequest})
		return nil
	}

	pk, err := l.m.newPasskey()
	if err != nil {
		return err
	}
	p.setPasskey(pk)
	p.displaysKey = true
	l.post(event.Event{Type: event.TypePasskeyDisplay, Passkey: pk})
	return nil
}

func (p *pairingContext) setPasskey(pk blesm.Passkey) {
	p.passkey = pk
	p.tk = keys.PasskeyTK(pk)
	p.tkReady = true
}

func (l *link) passkeyEntered(pk blesm.Passkey) error {
	p := l.pairing
	if p == nil || p.method != PasskeyEntry || !p.waitingUser {
		return invalidState("no passkey requested")
	}
	if !pk.Valid() {
		return errors.Wrapf(blesm.ErrInvalidParameter, "passkey %d", uint32(pk))
	}

	p.waitingUser = false
	p.setPasskey(pk)

	if p.sc {
		return l.scPasskeyAdvance()
	}
	return l.legacyAdvance()
}

func (l *link) confirmationEntered(confirmed bool) error {
	p := l.pairing
	if p == nil || p.method != NumericComparison || !p.waitingUser {
		return invalidState("no confirmation requested")
	}
	if !confirmed {
		return failed(blesm.ReasonNumericComparisonFailed, "user rejected the comparison")
	}

	p.waitingUser = false
	p.userConfirmed = true
	if err := l.scDeriveKeys(); err != nil {
		return err
	}

	if p.initiator {
		if err := l.scSendCheck(); err != nil {
			return err
		}
		p.expect = pairingDHKeyCheck
		return nil
	}

	if p.haveCheck {
		return l.scResponderCheck()
	}
	return nil
}

// oobReceived continues a pairing waiting for OOB data.
func (l *link) oobReceived() error {
	p := l.pairing
	if p == nil || !p.waitingOOB {
		return nil
	}

	if p.sc {
		return l.scOOBStart()
	}

	tk, ok := l.legacyOOBTK()
	if !ok {
		return nil
	}
	p.waitingOOB = false
	p.tk = tk
	p.tkReady = true
	p.state = KeyGeneration
	return l.legacyAdvance()
}
