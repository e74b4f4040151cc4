package smp

import (
	"encoding/binary"

	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
)

// enterKeyDistribution prepares the keys this side sends and the PDUs it
// expects once the link is encrypted.
func (l *link) enterKeyDistribution() error {
	p := l.pairing

	ks, err := l.localKeySet()
	if err != nil {
		return err
	}
	p.localKeys = ks

	p.state = KeyDistribution
	p.keysPending = keyOpcodes(p.remoteDist())
	p.expect = 0
	if len(p.keysPending) > 0 {
		p.expect = p.keysPending[0]
	}
	return nil
}

func (l *link) localKeySet() (blesm.KeySet, error) {
	p := l.pairing
	s := l.m.settings()

	ks := blesm.KeySet{Dist: p.localDist()}

	if ks.Dist.Has(blesm.KeyDistEncryption) {
		ltk, err := random16()
		if err != nil {
			return ks, err
		}
		r, err := random16()
		if err != nil {
			return ks, err
		}
		ks.LTK = keys.MaskKey(ltk, p.keySize)
		ks.EDIV = blesm.EDIV(binary.LittleEndian.Uint16(r[0:2]))
		copy(ks.Rand[:], r[2:10])
	}

	if ks.Dist.Has(blesm.KeyDistIdentity) {
		ks.IRK = s.irk
		ks.Identity = s.identity
		if ks.Identity.IsZero() {
			ks.Identity = l.local
		}
	}

	if ks.Dist.Has(blesm.KeyDistSigning) {
		ks.CSRK = s.csrk
	}

	return ks, nil
}

// distribute sends the local keys when it is this side's turn and
// completes the pairing when both sides are done. The responder goes
// first.
func (l *link) distribute() error {
	p := l.pairing
	if p == nil || p.state != KeyDistribution || !p.encrypted {
		return nil
	}

	if !p.sentKeys && (!p.initiator || len(p.keysPending) == 0) {
		for _, pdu := range MarshalKeys(p.localKeys) {
			if err := l.send(pdu); err != nil {
				return err
			}
		}
		p.sentKeys = true
	}

	if p.sentKeys && len(p.keysPending) == 0 {
		return l.complete()
	}
	return nil
}

// bondedEntry builds the record stored for the peer. The LTK stays zero
// when no key applies to this side, e.g. a legacy central whose peer sent
// no encryption key.
func (l *link) bondedEntry(peer blesm.Addr) blesm.BondedEntry {
	p := l.pairing

	e := blesm.BondedEntry{
		Peer:              peer,
		Authenticated:     p.authenticated,
		SecureConnections: p.sc,
		KeySize:           p.keySize,
	}

	switch {
	case p.sc:
		e.LTK = p.ltk
	case l.role == blesm.RoleCentral && p.remoteKeys.Dist.Has(blesm.KeyDistEncryption):
		e.LTK, e.EDIV, e.Rand = p.remoteKeys.LTK, p.remoteKeys.EDIV, p.remoteKeys.Rand
	case l.role == blesm.RolePeripheral && p.localKeys.Dist.Has(blesm.KeyDistEncryption):
		e.LTK, e.EDIV, e.Rand = p.localKeys.LTK, p.localKeys.EDIV, p.localKeys.Rand
	}

	if p.remoteKeys.Dist.Has(blesm.KeyDistSigning) {
		e.CSRK = p.remoteKeys.CSRK
	}
	return e
}

func (l *link) complete() error {
	p := l.pairing
	p.state = Complete
	l.stopTimer()

	remote := p.remoteKeys
	identity := l.identity
	if remote.Dist.Has(blesm.KeyDistIdentity) && !remote.Identity.IsZero() {
		identity = remote.Identity
	}

	stored := false
	if p.bonding {
		if err := l.m.store.AddBonded(l.bondedEntry(identity)); err != nil {
			l.log.Errorf("bond with %s not stored: %v", identity, err)
		} else {
			stored = true
		}

		if remote.Dist.Has(blesm.KeyDistIdentity) {
			if err := l.m.store.AddResolving(blesm.ResolvingEntry{
				Peer:     identity,
				PeerIRK:  remote.IRK,
				LocalIRK: l.m.settings().irk,
			}); err != nil {
				l.log.Errorf("identity of %s not stored: %v", identity, err)
			}
		}
	}

	if identity != l.identity {
		l.identity = identity
		if err := l.m.enc.SetPeer(l.h, identity); err != nil {
			l.log.Warnf("%v", err)
		}
	}

	l.log.Infof("pairing complete with %s, bonded %v", identity, stored)

	l.post(event.Event{Type: event.TypeKeysExchanged, Keys: remote})
	if stored {
		l.post(event.Event{Type: event.TypeSecurityContextStored})
	}
	l.post(event.Event{Type: event.TypeSecuritySetupCompleted, Status: blesm.StatusSuccess})

	l.pairing = nil
	return nil
}
