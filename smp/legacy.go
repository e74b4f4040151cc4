package smp

import (
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/encryption"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
)

// legacyOOBTK is the OOB value shared for legacy pairing. Data received
// from the peer wins over data generated here.
func (l *link) legacyOOBTK() ([16]byte, bool) {
	if l.peerOOB != nil && l.peerOOB.legacy {
		return l.peerOOB.r192, true
	}
	if l.localOOB != nil && l.localOOB.legacy {
		return l.localOOB.r192, true
	}
	return [16]byte{}, false
}

func (l *link) legacyStart() error {
	p := l.pairing

	switch p.method {
	case JustWorks:
		p.tkReady = true
		p.state = KeyGeneration

	case PasskeyEntry:
		if err := l.startPasskey(); err != nil {
			return err
		}

	case OutOfBand:
		if tk, ok := l.legacyOOBTK(); ok {
			p.tk = tk
			p.tkReady = true
			p.state = KeyGeneration
		} else {
			p.waitingOOB = true
			p.state = AuthenticatingMITM
			l.post(event.Event{Type: event.TypeLegacyPairingOOBRequest})
		}
	}

	if !p.initiator {
		p.expect = pairingConfirm
	}
	return l.legacyAdvance()
}

// legacyAdvance sends this side's confirm once the TK is known; the
// responder also waits for the initiator's.
func (l *link) legacyAdvance() error {
	p := l.pairing
	if !p.tkReady || p.sentConfirm {
		return nil
	}
	if !p.initiator && !p.haveConfirm {
		return nil
	}
	p.state = KeyGeneration

	r, err := random16()
	if err != nil {
		return err
	}
	c, err := keys.C1(p.tk, r, p.preq, p.pres, l.initiatorAddr(), l.responderAddr())
	if err != nil {
		return err
	}
	p.localRandom = r
	p.localConfirm = c

	if err := l.send(marshalKey(pairingConfirm, c)); err != nil {
		return err
	}
	p.sentConfirm = true

	if p.initiator {
		p.expect = pairingConfirm
	} else {
		p.expect = pairingRandom
	}
	return nil
}

func (l *link) legacyOnConfirm() error {
	p := l.pairing
	if !p.initiator {
		return l.legacyAdvance()
	}

	if err := l.send(marshalKey(pairingRandom, p.localRandom)); err != nil {
		return err
	}
	p.expect = pairingRandom
	return nil
}

func (l *link) legacyOnRandom() error {
	p := l.pairing

	c, err := keys.C1(p.tk, p.remoteRandom, p.preq, p.pres, l.initiatorAddr(), l.responderAddr())
	if err != nil {
		return err
	}
	if !keys.Equal(c, p.remoteConfirm) {
		return failed(blesm.ReasonConfirmValueFailed, "confirm mismatch")
	}

	// s1(tk, Srand, Mrand)
	srand, mrand := p.localRandom, p.remoteRandom
	if p.initiator {
		srand, mrand = p.remoteRandom, p.localRandom
	}
	stk, err := keys.S1(p.tk, srand, mrand)
	if err != nil {
		return err
	}
	p.stk = keys.MaskKey(stk, p.keySize)

	if err := l.m.enc.SetKey(l.h, encryption.Key{
		LTK:           p.stk,
		Authenticated: p.authenticated,
		KeySize:       p.keySize,
	}); err != nil {
		return err
	}
	p.keySet = true

	if !p.initiator {
		if err := l.send(marshalKey(pairingRandom, p.localRandom)); err != nil {
			return err
		}
	}

	if err := l.enterKeyDistribution(); err != nil {
		return err
	}

	if p.initiator {
		return l.m.enc.Enable(l.h)
	}
	return nil
}
