package smp

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
)

const (
	authReqReserved = 0xe0
	keyDistReserved = 0xf0
)

func invalidPDU(b []byte, format string, args ...interface{}) error {
	return errors.Wrapf(blesm.ErrInvalidParameter, "%v: "+format,
		append([]interface{}{hex.EncodeToString(b)}, args...)...)
}

// checkLen validates the length of a PDU with a known opcode.
func checkLen(b []byte) error {
	if len(b) == 0 {
		return errors.Wrap(blesm.ErrInvalidParameter, "empty pdu")
	}
	want, ok := pduLen[b[0]]
	if !ok {
		return nil
	}
	if len(b) != want {
		return invalidPDU(b, "%s: invalid length %d", opString(b[0]), len(b))
	}
	return nil
}

// MarshalPairing encodes a Pairing Request (op 0x01) or Response (op 0x02).
func MarshalPairing(op byte, p blesm.Params) [7]byte {
	var oob byte
	if p.OOB {
		oob = 0x01
	}
	return [7]byte{op, byte(p.IOCap), oob, byte(p.AuthReq), p.MaxKeySize,
		byte(p.InitiatorKey), byte(p.ResponderKey)}
}

// ParsePairing decodes a Pairing Request or Response. Reserved bits are
// dropped; out of range fields fail with ErrInvalidParameter.
func ParsePairing(b []byte) (blesm.Params, error) {
	if err := checkLen(b); err != nil {
		return blesm.Params{}, err
	}
	if b[0] != pairingRequest && b[0] != pairingResponse {
		return blesm.Params{}, invalidPDU(b, "not a pairing request or response")
	}

	p := blesm.Params{
		IOCap:        blesm.IOCapability(b[1]),
		AuthReq:      blesm.AuthReq(b[3] &^ authReqReserved),
		MaxKeySize:   b[4],
		InitiatorKey: blesm.KeyDist(b[5] &^ keyDistReserved),
		ResponderKey: blesm.KeyDist(b[6] &^ keyDistReserved),
	}

	if !p.IOCap.Valid() {
		return p, invalidPDU(b, "io capability %v", p.IOCap)
	}

	switch b[2] {
	case 0x00:
	case 0x01:
		p.OOB = true
	default:
		return p, invalidPDU(b, "oob flag 0x%02x", b[2])
	}

	if p.MaxKeySize > maxKeySize {
		return p, invalidPDU(b, "max key size %d", p.MaxKeySize)
	}

	return p, nil
}

// marshalKey encodes a PDU carrying a single 128-bit value.
func marshalKey(op byte, k [16]byte) []byte {
	return append([]byte{op}, k[:]...)
}

func marshalMasterIdentification(ediv blesm.EDIV, rand blesm.Rand) []byte {
	out := make([]byte, 11)
	out[0] = masterIdentification
	binary.LittleEndian.PutUint16(out[1:3], uint16(ediv))
	copy(out[3:], rand[:])
	return out
}

func marshalIdentityAddr(a blesm.Addr) []byte {
	w := a.Wire()
	return append([]byte{identityAddrInformation, byte(a.Type)}, w[:]...)
}

// MarshalKeys encodes the keys in ks.Dist as key distribution PDUs in the
// order they are sent on the wire.
func MarshalKeys(ks blesm.KeySet) [][]byte {
	var out [][]byte

	if ks.Dist.Has(blesm.KeyDistEncryption) {
		out = append(out,
			marshalKey(encryptionInformation, ks.LTK),
			marshalMasterIdentification(ks.EDIV, ks.Rand))
	}

	if ks.Dist.Has(blesm.KeyDistIdentity) {
		out = append(out,
			marshalKey(identityInformation, ks.IRK),
			marshalIdentityAddr(ks.Identity))
	}

	if ks.Dist.Has(blesm.KeyDistSigning) {
		out = append(out, marshalKey(signingInformation, ks.CSRK))
	}

	return out
}

// keyOpcodes lists the PDUs expected for dist, in wire order.
func keyOpcodes(dist blesm.KeyDist) []byte {
	var out []byte
	if dist.Has(blesm.KeyDistEncryption) {
		out = append(out, encryptionInformation, masterIdentification)
	}
	if dist.Has(blesm.KeyDistIdentity) {
		out = append(out, identityInformation, identityAddrInformation)
	}
	if dist.Has(blesm.KeyDistSigning) {
		out = append(out, signingInformation)
	}
	return out
}

// decodeKey stores the key carried by b into ks.
func decodeKey(ks *blesm.KeySet, b []byte) error {
	if err := checkLen(b); err != nil {
		return err
	}

	switch b[0] {
	case encryptionInformation:
		copy(ks.LTK[:], b[1:])
	case masterIdentification:
		ks.EDIV = blesm.EDIV(binary.LittleEndian.Uint16(b[1:3]))
		copy(ks.Rand[:], b[3:])
		ks.Dist |= blesm.KeyDistEncryption
	case identityInformation:
		copy(ks.IRK[:], b[1:])
	case identityAddrInformation:
		t := blesm.AddrType(b[1])
		if t != blesm.AddrTypePublic && t != blesm.AddrTypeRandom {
			return invalidPDU(b, "identity address type %d", t)
		}
		ks.Identity = blesm.AddrFromWire(b[2:], t)
		ks.Dist |= blesm.KeyDistIdentity
	case signingInformation:
		copy(ks.CSRK[:], b[1:])
		ks.Dist |= blesm.KeyDistSigning
	default:
		return invalidPDU(b, "%s is not a key distribution pdu", opString(b[0]))
	}
	return nil
}

// ParseKeys decodes a sequence of key distribution PDUs.
func ParseKeys(pdus [][]byte) (blesm.KeySet, error) {
	var ks blesm.KeySet
	for _, b := range pdus {
		if err := decodeKey(&ks, b); err != nil {
			return ks, err
		}
	}
	return ks, nil
}

// MarshalBondedEntry encodes the key material of a bonded entry as the
// Encryption Information, Master Identification and Signing Information
// PDUs a peer would have distributed.
func MarshalBondedEntry(e blesm.BondedEntry) [][]byte {
	return MarshalKeys(blesm.KeySet{
		Dist: blesm.KeyDistEncryption | blesm.KeyDistSigning,
		LTK:  e.LTK,
		EDIV: e.EDIV,
		Rand: e.Rand,
		CSRK: e.CSRK,
	})
}

// ParseBondedEntry rebuilds a bonded entry for peer from key distribution
// PDUs.
func ParseBondedEntry(peer blesm.Addr, pdus [][]byte) (blesm.BondedEntry, error) {
	ks, err := ParseKeys(pdus)
	if err != nil {
		return blesm.BondedEntry{}, err
	}
	return blesm.BondedEntry{
		Peer:    peer,
		LTK:     ks.LTK,
		EDIV:    ks.EDIV,
		Rand:    ks.Rand,
		CSRK:    ks.CSRK,
		KeySize: maxKeySize,
	}, nil
}

func marshalPairingFailed(r blesm.Reason) []byte {
	return []byte{pairingFailed, byte(r)}
}

func marshalSecurityRequest(a blesm.AuthReq) []byte {
	return []byte{securityRequest, byte(a)}
}

func value16(b []byte) [16]byte {
	var v [16]byte
	copy(v[:], b[1:])
	return v
}
