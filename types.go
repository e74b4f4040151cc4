package blesm

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// ConnHandle identifies a link. All per-link state is keyed by it.
type ConnHandle uint16

// Role of the local device on a link.
type Role uint8

const (
	RoleCentral    Role = 0x00 // initiator
	RolePeripheral Role = 0x01 // responder
)

func (r Role) String() string {
	if r == RoleCentral {
		return "central"
	}
	return "peripheral"
}

// LinkInfo is supplied by the transport when a link connects.
type LinkInfo struct {
	Role  Role
	Local Addr
	Peer  Addr
}

// IOCapability [Vol 3, Part H, 3.5.1, Table 3.4]
type IOCapability uint8

const (
	IOCapDisplayOnly     IOCapability = 0x00
	IOCapDisplayYesNo    IOCapability = 0x01
	IOCapKeyboardOnly    IOCapability = 0x02
	IOCapNoInputNoOutput IOCapability = 0x03
	IOCapKeyboardDisplay IOCapability = 0x04

	ioCapReservedStart = 0x05
)

func (c IOCapability) Valid() bool {
	return c < ioCapReservedStart
}

var ioCapStrings = map[IOCapability]string{
	IOCapDisplayOnly:     "display-only",
	IOCapDisplayYesNo:    "display-yes-no",
	IOCapKeyboardOnly:    "keyboard-only",
	IOCapNoInputNoOutput: "no-input-no-output",
	IOCapKeyboardDisplay: "keyboard-display",
}

func (c IOCapability) String() string {
	if s, ok := ioCapStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("reserved(0x%02x)", uint8(c))
}

// ParseIOCapability accepts the names returned by String.
func ParseIOCapability(s string) (IOCapability, error) {
	for k, v := range ioCapStrings {
		if v == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidParameter, "io capability %q", s)
}

// AuthReq holds the authentication requirement flags of a pairing request
// or response.
type AuthReq uint8

const (
	AuthBonding           AuthReq = 0x01
	AuthMITM              AuthReq = 0x04 // 0x02 unused, bonding takes two bits
	AuthSecureConnections AuthReq = 0x08
	AuthKeypress          AuthReq = 0x10

	authBondingMask AuthReq = 0x03
)

func (a AuthReq) Bonding() bool           { return a&authBondingMask == AuthBonding }
func (a AuthReq) MITM() bool              { return a&AuthMITM != 0 }
func (a AuthReq) SecureConnections() bool { return a&AuthSecureConnections != 0 }
func (a AuthReq) Keypress() bool          { return a&AuthKeypress != 0 }

// KeyDist is the key distribution bitset for one side of the link.
type KeyDist uint8

const (
	KeyDistNone       KeyDist = 0x00
	KeyDistEncryption KeyDist = 0x01
	KeyDistIdentity   KeyDist = 0x02
	KeyDistSigning    KeyDist = 0x04
	KeyDistLink       KeyDist = 0x08
	KeyDistAll        KeyDist = 0x0f
)

func (k KeyDist) Has(f KeyDist) bool { return k&f == f }

// Key material. Sizes are fixed by the protocol.
type (
	LTK  [16]byte
	IRK  [16]byte
	CSRK [16]byte
	Rand [8]byte
	EDIV uint16
)

// Uint64 returns the random value as HCI carries it (little-endian).
func (r Rand) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r[:])
}

func RandFromUint64(v uint64) Rand {
	var r Rand
	binary.LittleEndian.PutUint64(r[:], v)
	return r
}

// OOB data as exchanged out of band: confirm and random values for legacy
// (P-192 naming kept from the porting layer) and Secure Connections.
type (
	C192 [16]byte
	R192 [16]byte
	C256 [16]byte
	R256 [16]byte
)

// Passkey is the six digit decimal value used by passkey entry and numeric
// comparison.
type Passkey uint32

const MaxPasskey Passkey = 999999

func (p Passkey) Valid() bool { return p <= MaxPasskey }

func (p Passkey) String() string {
	return fmt.Sprintf("%06d", uint32(p))
}

// Wire returns the passkey as the 4-byte little-endian numeric field used in
// the TK and in the SC passkey check value.
func (p Passkey) Wire() [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(p))
	return b
}

func ParsePasskey(s string) (Passkey, error) {
	if len(s) != 6 {
		return 0, errors.Wrapf(ErrInvalidParameter, "passkey %q must be 6 digits", s)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidParameter, "passkey %q: %v", s, err)
	}
	return Passkey(v), nil
}

// Keypress notification types [Vol 3, Part H, 3.5.8].
type Keypress uint8

const (
	KeypressStarted   Keypress = 0x00
	KeypressEntered   Keypress = 0x01
	KeypressErased    Keypress = 0x02
	KeypressCleared   Keypress = 0x03
	KeypressCompleted Keypress = 0x04
)

func (k Keypress) Valid() bool { return k <= KeypressCompleted }

// SecurityMode reported when a link becomes secured.
type SecurityMode uint8

const (
	SecurityModeNoAccess SecurityMode = iota
	SecurityModeEncryptionOpenLink
	SecurityModeEncryptionNoMITM
	SecurityModeEncryptionWithMITM
	SecurityModeSignedNoMITM
	SecurityModeSignedWithMITM
)

// LinkSecurityStatus mirrors the encryption session state for callers.
type LinkSecurityStatus uint8

const (
	LinkNotEncrypted LinkSecurityStatus = iota
	LinkEncryptionInProgress
	LinkEncrypted
)

// Params are the local pairing parameters sent in a pairing request or
// response.
type Params struct {
	IOCap        IOCapability
	OOB          bool
	AuthReq      AuthReq
	MaxKeySize   uint8
	InitiatorKey KeyDist
	ResponderKey KeyDist
}

// DefaultParams: no IO, bonding, secure connections, full key size, identity
// and signing keys both ways plus encryption key for legacy peers.
var DefaultParams = Params{
	IOCap:        IOCapNoInputNoOutput,
	AuthReq:      AuthBonding | AuthSecureConnections,
	MaxKeySize:   16,
	InitiatorKey: KeyDistEncryption | KeyDistIdentity | KeyDistSigning,
	ResponderKey: KeyDistEncryption | KeyDistIdentity | KeyDistSigning,
}

// BondedEntry is the long term record kept for a bonded peer.
type BondedEntry struct {
	Peer Addr
	EDIV EDIV
	Rand Rand
	LTK  LTK
	CSRK CSRK

	Authenticated     bool
	SecureConnections bool
	KeySize           uint8
}

// HasLTK reports whether the entry can encrypt the link. A bond made when
// no key applied to this side keeps only the peer identity and CSRK.
func (e BondedEntry) HasLTK() bool {
	return e.LTK != LTK{}
}

// KeySet holds the keys one side distributed during pairing. Dist tells
// which fields are valid.
type KeySet struct {
	Dist KeyDist

	LTK  LTK
	EDIV EDIV
	Rand Rand

	IRK      IRK
	Identity Addr

	CSRK CSRK
}

// ResolvingEntry pairs a peer identity with its IRK.
type ResolvingEntry struct {
	Peer     Addr
	PeerIRK  IRK
	LocalIRK IRK
}
