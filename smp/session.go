package smp

import (
	"fmt"

	"github.com/rigado/blesm"
	"github.com/rigado/blesm/keys"
)

// State of a pairing session.
type State int

const (
	Idle State = iota
	Requested
	CapabilitiesExchanged
	AuthenticatingMITM
	KeyGeneration
	KeyDistribution
	Complete
	Aborted
)

var stateStrings = map[State]string{
	Idle:                  "idle",
	Requested:             "requested",
	CapabilitiesExchanged: "capabilities exchanged",
	AuthenticatingMITM:    "authenticating",
	KeyGeneration:         "key generation",
	KeyDistribution:       "key distribution",
	Complete:              "complete",
	Aborted:               "aborted",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the session can no longer change state.
func (s State) Terminal() bool {
	return s == Complete || s == Aborted
}

// pairingContext is the transient state of one pairing.
type pairingContext struct {
	state     State
	initiator bool

	// the parameters this side asked for
	local blesm.Params

	preq, pres [7]byte
	request    blesm.Params
	response   blesm.Params

	negotiation
	authenticated bool

	// next inbound opcode; 0 while waiting for the user or the controller
	expect byte

	// passkey and OOB input
	tk            [16]byte
	tkReady       bool
	passkey       blesm.Passkey
	displaysKey   bool
	waitingUser   bool
	userConfirmed bool
	passkeyRound  int
	waitingOOB    bool

	localRandom   [16]byte
	remoteRandom  [16]byte
	localConfirm  [16]byte
	remoteConfirm [16]byte
	haveConfirm   bool
	sentConfirm   bool
	haveRandom    bool
	sentRandom    bool

	// legacy
	stk [16]byte

	// secure connections
	ecdh         *keys.ECDHKeys
	remotePubKey keys.PublicKey
	dhKey        [32]byte
	na, nb       [16]byte
	localOOBr    [16]byte
	remoteOOBr   [16]byte
	macKey       [16]byte
	ltk          [16]byte
	remoteCheck  [16]byte
	haveCheck    bool

	// key distribution
	keySet      bool
	encrypted   bool
	keysPending []byte
	sentKeys    bool
	localKeys   blesm.KeySet
	remoteKeys  blesm.KeySet
}

// initiatorAddr and responderAddr order the link addresses for c1, f5 and
// f6.
func (l *link) initiatorAddr() blesm.Addr {
	if l.role == blesm.RoleCentral {
		return l.local
	}
	return l.peer
}

func (l *link) responderAddr() blesm.Addr {
	if l.role == blesm.RoleCentral {
		return l.peer
	}
	return l.local
}

// ioCapOf is the f6 IOcap field taken from a pairing request or response
// as sent on the wire.
func ioCapOf(pdu [7]byte) [3]byte {
	return [3]byte{pdu[1], pdu[2], pdu[3]}
}

// remoteDist is what the peer is expected to distribute.
func (p *pairingContext) remoteDist() blesm.KeyDist {
	if p.initiator {
		return p.respDist
	}
	return p.initDist
}

func (p *pairingContext) localDist() blesm.KeyDist {
	if p.initiator {
		return p.initDist
	}
	return p.respDist
}

// remoteParams are the pairing parameters the peer sent.
func (p *pairingContext) remoteParams() blesm.Params {
	if p.initiator {
		return p.response
	}
	return p.request
}
