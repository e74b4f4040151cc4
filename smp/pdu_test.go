package smp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/stretchr/testify/require"
)

func TestParsePairing(t *testing.T) {
	in := []byte{pairingRequest, 0x04, 0x00, 0x0d, 0x10, 0x0f, 0x0f}

	p, err := ParsePairing(in)
	require.NoError(t, err)
	require.Equal(t, blesm.IOCapKeyboardDisplay, p.IOCap)
	require.False(t, p.OOB)
	require.True(t, p.AuthReq.Bonding())
	require.True(t, p.AuthReq.MITM())
	require.True(t, p.AuthReq.SecureConnections())
	require.False(t, p.AuthReq.Keypress())
	require.Equal(t, uint8(16), p.MaxKeySize)
	require.Equal(t, blesm.KeyDistAll, p.InitiatorKey)

	out := MarshalPairing(pairingRequest, p)
	require.Equal(t, in, out[:])
}

func TestParsePairingMasksReservedBits(t *testing.T) {
	p, err := ParsePairing([]byte{pairingResponse, 0x03, 0x01, 0xe1, 0x07, 0xf1, 0xf2})
	require.NoError(t, err)
	require.True(t, p.OOB)
	require.Equal(t, blesm.AuthBonding, p.AuthReq)
	require.Equal(t, blesm.KeyDistEncryption, p.InitiatorKey)
	require.Equal(t, blesm.KeyDistIdentity, p.ResponderKey)
}

func TestParsePairingInvalid(t *testing.T) {
	for name, in := range map[string][]byte{
		"short":    {pairingRequest, 0x03, 0x00, 0x01, 0x10, 0x00},
		"io cap":   {pairingRequest, 0x05, 0x00, 0x01, 0x10, 0x00, 0x00},
		"oob flag": {pairingRequest, 0x03, 0x02, 0x01, 0x10, 0x00, 0x00},
		"key size": {pairingRequest, 0x03, 0x00, 0x01, 0x11, 0x00, 0x00},
		"opcode":   {pairingConfirm, 0x03, 0x00, 0x01, 0x10, 0x00, 0x00},
	} {
		_, err := ParsePairing(in)
		require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err), name)
	}
}

func TestCheckLen(t *testing.T) {
	require.NoError(t, checkLen([]byte{pairingFailed, 0x08}))
	require.NoError(t, checkLen([]byte{0x30}))
	require.Error(t, checkLen([]byte{pairingFailed}))
	require.Error(t, checkLen(nil))
	require.Error(t, checkLen(append([]byte{pairingPublicKey}, make([]byte, 63)...)))
}

func testKeySet() blesm.KeySet {
	return blesm.KeySet{
		Dist:     blesm.KeyDistEncryption | blesm.KeyDistIdentity | blesm.KeyDistSigning,
		LTK:      blesm.LTK{0x01, 0x02, 0x03},
		EDIV:     0x1234,
		Rand:     blesm.Rand{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11},
		IRK:      blesm.IRK{0x10, 0x20},
		Identity: blesm.MustParseAddr("c0:11:22:33:44:55", blesm.AddrTypeRandom),
		CSRK:     blesm.CSRK{0x30, 0x40},
	}
}

func TestMarshalKeys(t *testing.T) {
	ks := testKeySet()
	pdus := MarshalKeys(ks)

	require.Len(t, pdus, 5)
	var ops []byte
	for _, b := range pdus {
		ops = append(ops, b[0])
		require.NoError(t, checkLen(b))
	}
	require.Equal(t, keyOpcodes(ks.Dist), ops)

	// EDIV and Rand little-endian
	require.Equal(t, []byte{masterIdentification, 0x34, 0x12,
		0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}, pdus[1])
	// address type then the address least significant octet first
	require.Equal(t, []byte{identityAddrInformation, 0x01,
		0x55, 0x44, 0x33, 0x22, 0x11, 0xc0}, pdus[3])

	got, err := ParseKeys(pdus)
	require.NoError(t, err)
	require.Equal(t, ks, got)
}

func TestMarshalKeysPartial(t *testing.T) {
	ks := testKeySet()
	ks.Dist = blesm.KeyDistSigning

	pdus := MarshalKeys(ks)
	require.Len(t, pdus, 1)
	require.Equal(t, []byte{signingInformation}, keyOpcodes(ks.Dist))

	require.Empty(t, MarshalKeys(blesm.KeySet{}))
}

func TestParseKeysInvalid(t *testing.T) {
	_, err := ParseKeys([][]byte{{identityAddrInformation, 0x02, 1, 2, 3, 4, 5, 6}})
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))

	_, err = ParseKeys([][]byte{{pairingConfirm, 1}})
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))

	_, err = ParseKeys([][]byte{{encryptionInformation, 1, 2}})
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))
}

func TestBondedEntryRoundTrip(t *testing.T) {
	peer := blesm.MustParseAddr("a7:13:70:2d:cf:c1", blesm.AddrTypePublic)
	e := blesm.BondedEntry{
		Peer:    peer,
		EDIV:    0xbeef,
		Rand:    blesm.RandFromUint64(0x0102030405060708),
		LTK:     blesm.LTK{0xff, 0xee, 0xdd},
		CSRK:    blesm.CSRK{0x01},
		KeySize: 16,
	}

	got, err := ParseBondedEntry(peer, MarshalBondedEntry(e))
	require.NoError(t, err)
	require.Equal(t, e, got)
}
