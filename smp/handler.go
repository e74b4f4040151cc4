package smp

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
)

type smpDispatcher struct {
	desc    string
	handler func(l *link, in []byte) error
}

var dispatcher = map[byte]smpDispatcher{
	pairingRequest:          {"pairing request", smpOnPairingRequest},
	pairingResponse:         {"pairing response", smpOnPairingResponse},
	pairingConfirm:          {"pairing confirm", smpOnPairingConfirm},
	pairingRandom:           {"pairing random", smpOnPairingRandom},
	pairingFailed:           {"pairing failed", smpOnPairingFailed},
	encryptionInformation:   {"encryption info", smpOnKeyDistribution},
	masterIdentification:    {"master id", smpOnKeyDistribution},
	identityInformation:     {"id info", smpOnKeyDistribution},
	identityAddrInformation: {"id addr info", smpOnKeyDistribution},
	signingInformation:      {"signing info", smpOnKeyDistribution},
	securityRequest:         {"security req", smpOnSecurityRequest},
	pairingPublicKey:        {"pairing pub key", smpOnPairingPublicKey},
	pairingDHKeyCheck:       {"pairing dhkey check", smpOnDHKeyCheck},
	pairingKeypress:         {"pairing keypress", smpOnKeypress},
}

// handle validates and dispatches one inbound PDU. l.lock must be held.
func (l *link) handle(in []byte) error {
	if len(in) == 0 {
		return errors.Wrap(blesm.ErrInvalidParameter, "empty pdu")
	}

	v, ok := dispatcher[in[0]]
	if !ok {
		l.log.Debugf("ignoring reserved opcode 0x%02x", in[0])
		return nil
	}

	l.log.Debugf("rx %s: %s", v.desc, hex.EncodeToString(in))

	if err := checkLen(in); err != nil {
		return err
	}

	if err := v.handler(l, in); err != nil {
		return err
	}

	// only accepted PDUs restart the transaction timer
	if l.pairing != nil {
		l.startTimer()
	}
	return nil
}

// expect returns the session if op is the next PDU it accepts.
func (l *link) expect(op byte) (*pairingContext, error) {
	p := l.pairing
	if p == nil {
		return nil, invalidState("%s without pairing", opString(op))
	}
	if p.expect != op {
		return nil, invalidState("unexpected %s in state %s", opString(op), p.state)
	}
	return p, nil
}

func smpOnPairingRequest(l *link, in []byte) error {
	if l.role != blesm.RolePeripheral {
		return failed(blesm.ReasonCommandNotSupported, "pairing request on central")
	}
	if l.pairing != nil {
		return invalidState("pairing request in state %s", l.pairing.state)
	}

	req, err := ParsePairing(in)
	if err != nil {
		return err
	}

	p := l.newPairing(false)
	p.request = req
	copy(p.preq[:], in)
	p.state = Requested

	l.post(event.Event{
		Type:    event.TypeSecuritySetupInitiated,
		Bonding: req.AuthReq.Bonding(),
		MITM:    req.AuthReq.MITM(),
		IOCap:   req.IOCap,
	})

	s := l.m.settings()
	if s.authorise {
		l.post(event.Event{Type: event.TypeAcceptPairingRequest, Params: req})
		return nil
	}
	return l.accept(s.params)
}

func smpOnPairingResponse(l *link, in []byte) error {
	p, err := l.expect(pairingResponse)
	if err != nil {
		return err
	}

	rsp, err := ParsePairing(in)
	if err != nil {
		return err
	}
	if rsp.InitiatorKey&^p.request.InitiatorKey != 0 || rsp.ResponderKey&^p.request.ResponderKey != 0 {
		return failed(blesm.ReasonInvalidParameters, "response distributes keys not requested")
	}

	p.response = rsp
	copy(p.pres[:], in)

	s := l.m.settings()
	n, reason := negotiate(p.request, rsp, p.local, s.scEnabled, s.scOnly)
	if reason != 0 {
		return failed(reason, "negotiation with %v", rsp.IOCap)
	}
	p.negotiation = n
	p.state = CapabilitiesExchanged
	p.expect = 0

	return l.startAuthentication()
}

func smpOnPairingConfirm(l *link, in []byte) error {
	p, err := l.expect(pairingConfirm)
	if err != nil {
		return err
	}

	p.remoteConfirm = value16(in)
	p.haveConfirm = true
	p.expect = 0

	if p.sc {
		return l.scOnConfirm()
	}
	return l.legacyOnConfirm()
}

func smpOnPairingRandom(l *link, in []byte) error {
	p, err := l.expect(pairingRandom)
	if err != nil {
		return err
	}

	p.remoteRandom = value16(in)
	p.expect = 0

	if p.sc {
		return l.scOnRandom()
	}
	return l.legacyOnRandom()
}

func smpOnPairingFailed(l *link, in []byte) error {
	if l.pairing == nil {
		l.log.Debugf("ignoring pairing failed without pairing")
		return nil
	}

	r := blesm.Reason(in[1])
	l.log.Infof("peer failed pairing: %s", r)
	l.abort(blesm.StatusFromReason(r), false)
	return nil
}

func smpOnKeyDistribution(l *link, in []byte) error {
	p, err := l.expect(in[0])
	if err != nil {
		return err
	}

	if err := decodeKey(&p.remoteKeys, in); err != nil {
		return err
	}

	p.keysPending = p.keysPending[1:]
	p.expect = 0
	if len(p.keysPending) > 0 {
		p.expect = p.keysPending[0]
	}

	return l.distribute()
}

func smpOnSecurityRequest(l *link, in []byte) error {
	if l.role != blesm.RoleCentral {
		return failed(blesm.ReasonCommandNotSupported, "security request on peripheral")
	}
	if l.pairing != nil {
		l.log.Debugf("ignoring security request in state %s", l.pairing.state)
		return nil
	}

	auth := blesm.AuthReq(in[1])
	if e, err := l.m.store.Bonded(l.identity); err == nil && e.HasLTK() && (!auth.MITM() || e.Authenticated) {
		if err := l.m.enc.Enable(l.h); err != nil {
			l.log.Warnf("security request: %v", err)
		}
		return nil
	}

	params := l.m.settings().params
	if auth.MITM() {
		params.AuthReq |= blesm.AuthMITM
	}
	return l.requestPairing(params)
}

func smpOnPairingPublicKey(l *link, in []byte) error {
	p, err := l.expect(pairingPublicKey)
	if err != nil {
		return err
	}

	var pub keys.PublicKey
	copy(pub[:], in[1:])

	if pub == p.ecdh.Public {
		return failed(blesm.ReasonInvalidParameters, "peer public key mirrors ours")
	}
	if err := keys.ValidatePublicKey(pub); err != nil {
		return err
	}

	dh, err := p.ecdh.DHKey(pub)
	if err != nil {
		return err
	}
	p.remotePubKey = pub
	p.dhKey = dh
	p.expect = 0

	if !p.initiator {
		if err := l.send(append([]byte{pairingPublicKey}, p.ecdh.Public[:]...)); err != nil {
			return err
		}
	}

	return l.scAfterPublicKeys()
}

func smpOnDHKeyCheck(l *link, in []byte) error {
	p, err := l.expect(pairingDHKeyCheck)
	if err != nil {
		return err
	}

	p.remoteCheck = value16(in)
	p.haveCheck = true
	p.expect = 0

	if p.initiator {
		return l.scInitiatorCheck()
	}
	if p.method == NumericComparison && !p.userConfirmed {
		return nil
	}
	return l.scResponderCheck()
}

func smpOnKeypress(l *link, in []byte) error {
	p := l.pairing
	if p == nil || p.method != PasskeyEntry {
		return invalidState("keypress notification outside passkey entry")
	}

	kp := blesm.Keypress(in[1])
	if !kp.Valid() {
		return invalidPDU(in, "keypress type %d", kp)
	}

	l.post(event.Event{Type: event.TypeKeypressNotification, Keypress: kp})
	return nil
}
