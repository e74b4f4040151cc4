package smp

import (
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/encryption"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
)

// publicKeys returns the initiator's and the responder's public keys.
func (p *pairingContext) publicKeys() (pka, pkb keys.PublicKey) {
	if p.initiator {
		return p.ecdh.Public, p.remotePubKey
	}
	return p.remotePubKey, p.ecdh.Public
}

// setNonces records the nonces of the last exchange as Na and Nb.
func (p *pairingContext) setNonces() {
	if p.initiator {
		p.na, p.nb = p.localRandom, p.remoteRandom
	} else {
		p.na, p.nb = p.remoteRandom, p.localRandom
	}
}

// passkeyBit is the z input of f4 for the current passkey round.
func (p *pairingContext) passkeyBit() uint8 {
	return 0x80 | uint8(uint32(p.passkey)>>uint(p.passkeyRound)&0x01)
}

// confirm computes this side's f4 commitment to r. The own public key
// goes first.
func (p *pairingContext) confirm(r [16]byte, z uint8) ([16]byte, error) {
	return keys.F4(p.ecdh.Public.X(), p.remotePubKey.X(), r, z)
}

// peerConfirm computes the commitment expected from the peer.
func (p *pairingContext) peerConfirm(r [16]byte, z uint8) ([16]byte, error) {
	return keys.F4(p.remotePubKey.X(), p.ecdh.Public.X(), r, z)
}

func (l *link) scStart() error {
	p := l.pairing

	k, err := l.m.localECDH()
	if err != nil {
		return err
	}
	p.ecdh = k
	p.state = AuthenticatingMITM
	p.expect = pairingPublicKey

	if p.initiator {
		return l.send(append([]byte{pairingPublicKey}, k.Public[:]...))
	}
	return nil
}

// sendRandom sends a fresh nonce for this step.
func (l *link) sendRandom() error {
	p := l.pairing

	r, err := random16()
	if err != nil {
		return err
	}
	p.localRandom = r
	if err := l.send(marshalKey(pairingRandom, r)); err != nil {
		return err
	}
	p.sentRandom = true
	return nil
}

func (l *link) scAfterPublicKeys() error {
	p := l.pairing

	switch p.method {
	case JustWorks, NumericComparison:
		if p.initiator {
			p.expect = pairingConfirm
			return nil
		}

		nb, err := random16()
		if err != nil {
			return err
		}
		c, err := p.confirm(nb, 0)
		if err != nil {
			return err
		}
		p.localRandom = nb
		p.localConfirm = c
		if err := l.send(marshalKey(pairingConfirm, c)); err != nil {
			return err
		}
		p.expect = pairingRandom
		return nil

	case PasskeyEntry:
		p.passkeyRound = 0
		if err := l.startPasskey(); err != nil {
			return err
		}
		if !p.initiator {
			p.expect = pairingConfirm
		}
		return l.scPasskeyAdvance()

	case OutOfBand:
		if !p.initiator {
			p.expect = pairingRandom
		}
		return l.scOOBStart()
	}
	return nil
}

func (l *link) scOnConfirm() error {
	p := l.pairing

	if p.method == PasskeyEntry {
		if !p.initiator {
			return l.scPasskeyAdvance()
		}
		if err := l.send(marshalKey(pairingRandom, p.localRandom)); err != nil {
			return err
		}
		p.expect = pairingRandom
		return nil
	}

	// just works and numeric comparison: Cb received, send Na
	if err := l.sendRandom(); err != nil {
		return err
	}
	p.expect = pairingRandom
	return nil
}

func (l *link) scOnRandom() error {
	p := l.pairing

	switch p.method {
	case JustWorks, NumericComparison:
		if p.initiator {
			c, err := p.peerConfirm(p.remoteRandom, 0)
			if err != nil {
				return err
			}
			if !keys.Equal(c, p.remoteConfirm) {
				return failed(blesm.ReasonConfirmValueFailed, "confirm mismatch")
			}
		} else if err := l.send(marshalKey(pairingRandom, p.localRandom)); err != nil {
			return err
		}

		p.setNonces()
		p.expect = 0
		if !p.initiator {
			p.expect = pairingDHKeyCheck
		}

		// keys are derived once the user confirmed the value
		if p.method == NumericComparison {
			pka, pkb := p.publicKeys()
			v, err := keys.G2(pka.X(), pkb.X(), p.na, p.nb)
			if err != nil {
				return err
			}
			p.waitingUser = true
			l.post(event.Event{Type: event.TypePasskeyDisplay, Passkey: v})
			l.post(event.Event{Type: event.TypeConfirmationRequest})
			return nil
		}

		if err := l.scDeriveKeys(); err != nil {
			return err
		}
		if p.initiator {
			if err := l.scSendCheck(); err != nil {
				return err
			}
			p.expect = pairingDHKeyCheck
		}
		return nil

	case PasskeyEntry:
		c, err := p.peerConfirm(p.remoteRandom, p.passkeyBit())
		if err != nil {
			return err
		}
		if !keys.Equal(c, p.remoteConfirm) {
			return failed(blesm.ReasonConfirmValueFailed, "confirm mismatch in round %d", p.passkeyRound)
		}
		if !p.initiator {
			if err := l.send(marshalKey(pairingRandom, p.localRandom)); err != nil {
				return err
			}
		}
		return l.scNextRound()

	case OutOfBand:
		if !p.initiator {
			p.haveRandom = true
			return l.scOOBAdvance()
		}

		p.setNonces()
		if err := l.scDeriveKeys(); err != nil {
			return err
		}
		if err := l.scSendCheck(); err != nil {
			return err
		}
		p.expect = pairingDHKeyCheck
	}
	return nil
}

// scPasskeyAdvance sends this round's commitment once the passkey is
// known; the responder also waits for the initiator's.
func (l *link) scPasskeyAdvance() error {
	p := l.pairing
	if !p.tkReady || p.sentConfirm {
		return nil
	}
	if !p.initiator && !p.haveConfirm {
		return nil
	}

	r, err := random16()
	if err != nil {
		return err
	}
	c, err := p.confirm(r, p.passkeyBit())
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

func (l *link) scNextRound() error {
	p := l.pairing

	p.passkeyRound++
	p.sentConfirm = false
	p.haveConfirm = false

	if p.passkeyRound < passkeyIterationCount {
		if !p.initiator {
			p.expect = pairingConfirm
		}
		return l.scPasskeyAdvance()
	}

	p.setNonces()
	if err := l.scDeriveKeys(); err != nil {
		return err
	}

	p.expect = pairingDHKeyCheck
	if p.initiator {
		return l.scSendCheck()
	}
	return nil
}

func (l *link) scOOBStart() error {
	p := l.pairing

	// our r counts only if the peer says it has our data
	p.localOOBr = [16]byte{}
	if d := l.localOOB; p.remoteParams().OOB && d != nil {
		if d.extended {
			p.localOOBr = d.r256
		} else {
			p.localOOBr = d.r192
		}
	}

	if p.local.OOB {
		d := l.peerOOB
		if d == nil {
			if !p.waitingOOB {
				p.waitingOOB = true
				l.post(event.Event{Type: event.TypeOOBRequest})
			}
			return nil
		}

		// legacy data has no commitment to check
		var r [16]byte = d.r192
		if d.extended {
			x := p.remotePubKey.X()
			want, err := keys.F4(x, x, d.r256, 0)
			if err != nil {
				return err
			}
			if !keys.Equal(want, d.c256) {
				return failed(blesm.ReasonConfirmValueFailed, "oob confirm mismatch")
			}
			r = d.r256
		}
		p.remoteOOBr = r
	}

	p.waitingOOB = false

	if p.initiator {
		if err := l.sendRandom(); err != nil {
			return err
		}
		p.expect = pairingRandom
		return nil
	}
	return l.scOOBAdvance()
}

// scOOBAdvance answers the initiator's nonce once the OOB data checked out.
func (l *link) scOOBAdvance() error {
	p := l.pairing
	if p.waitingOOB || !p.haveRandom || p.sentRandom {
		return nil
	}

	if err := l.sendRandom(); err != nil {
		return err
	}

	p.setNonces()
	if err := l.scDeriveKeys(); err != nil {
		return err
	}
	p.expect = pairingDHKeyCheck
	return nil
}

func (l *link) scDeriveKeys() error {
	p := l.pairing
	p.state = KeyGeneration

	mac, ltk, err := keys.F5(p.dhKey, p.na, p.nb, l.initiatorAddr(), l.responderAddr())
	if err != nil {
		return err
	}
	p.macKey = mac
	p.ltk = keys.MaskKey(ltk, p.keySize)
	return nil
}

// scCheckValues computes this side's DHKey check value and the one
// expected from the peer.
func (l *link) scCheckValues() (local, remote [16]byte, err error) {
	p := l.pairing

	var rLocal, rRemote [16]byte
	switch p.method {
	case PasskeyEntry:
		rLocal = keys.PasskeyTK(p.passkey)
		rRemote = rLocal
	case OutOfBand:
		rLocal = p.remoteOOBr
		rRemote = p.localOOBr
	}

	a, b := l.initiatorAddr(), l.responderAddr()
	ea := func(r [16]byte) ([16]byte, error) {
		return keys.F6(p.macKey, p.na, p.nb, r, ioCapOf(p.preq), a, b)
	}
	eb := func(r [16]byte) ([16]byte, error) {
		return keys.F6(p.macKey, p.nb, p.na, r, ioCapOf(p.pres), b, a)
	}

	if p.initiator {
		if local, err = ea(rLocal); err != nil {
			return
		}
		remote, err = eb(rRemote)
		return
	}

	if local, err = eb(rLocal); err != nil {
		return
	}
	remote, err = ea(rRemote)
	return
}

func (l *link) scSendCheck() error {
	local, _, err := l.scCheckValues()
	if err != nil {
		return err
	}
	return l.send(marshalKey(pairingDHKeyCheck, local))
}

func (l *link) scVerifyCheck() error {
	p := l.pairing

	_, remote, err := l.scCheckValues()
	if err != nil {
		return err
	}
	if !keys.Equal(remote, p.remoteCheck) {
		return failed(blesm.ReasonDHKeyCheckFailed, "dhkey check mismatch")
	}

	if err := l.m.enc.SetKey(l.h, encryption.Key{
		LTK:               p.ltk,
		Authenticated:     p.authenticated,
		SecureConnections: true,
		KeySize:           p.keySize,
	}); err != nil {
		return err
	}
	p.keySet = true
	return nil
}

func (l *link) scInitiatorCheck() error {
	if err := l.scVerifyCheck(); err != nil {
		return err
	}
	if err := l.enterKeyDistribution(); err != nil {
		return err
	}
	return l.m.enc.Enable(l.h)
}

func (l *link) scResponderCheck() error {
	if err := l.scVerifyCheck(); err != nil {
		return err
	}
	if err := l.scSendCheck(); err != nil {
		return err
	}
	return l.enterKeyDistribution()
}
