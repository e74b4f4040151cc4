// Package keys implements the SMP cryptographic toolbox [Vol 3, Part H, 2.2].
//
// Every value is passed least significant octet first, the way it travels
// in SMP PDUs. The functions swap to most significant first around the AES
// and AES-CMAC primitives. Nothing here keeps state.
package keys

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/sliceops"
)

func aesCMAC(key, msg []byte) ([]byte, error) {
	tmp := sliceops.SwapBuf(key)
	mCipher, err := aes.NewCipher(tmp)
	if err != nil {
		return nil, err
	}

	msgMsb := sliceops.SwapBuf(msg)

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return nil, err
	}

	mMac.Write(msgMsb)

	return sliceops.SwapBuf(mMac.Sum(nil)), nil
}

// e is the security function e [Vol 3, Part H, 2.2.1].
func e(key, plaintext []byte) ([]byte, error) {
	mCipher, err := aes.NewCipher(sliceops.SwapBuf(key))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 16)
	mCipher.Encrypt(out, sliceops.SwapBuf(plaintext))
	return sliceops.SwapBuf(out), nil
}

func to16(b []byte) [16]byte {
	var out [16]byte
	copy(out[:], b)
	return out
}

// addr7 is the 56-bit address form used by f5/f6: address then type.
func addr7(a blesm.Addr) []byte {
	w := a.Wire()
	return append(w[:], byte(a.Type))
}

// Equal compares two confirm or check values in constant time.
func Equal(a, b [16]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// C1 is the legacy confirm value generation function.
// preq and pres are the pairing request and response PDUs including the
// opcode; ia is the initiator address, ra the responder address.
func C1(k, r [16]byte, preq, pres [7]byte, ia, ra blesm.Addr) ([16]byte, error) {
	// p1 = pres || preq || rat' || iat'
	p1 := make([]byte, 0, 16)
	p1 = append(p1, byte(ia.Type), byte(ra.Type))
	p1 = append(p1, preq[:]...)
	p1 = append(p1, pres[:]...)

	// p2 = padding || ia || ra
	iaw, raw := ia.Wire(), ra.Wire()
	p2 := sliceops.Concat(raw[:], iaw[:], make([]byte, 4))

	t, err := e(k[:], sliceops.Xor(r[:], p1))
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "c1")
	}

	out, err := e(k[:], sliceops.Xor(t, p2))
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "c1")
	}
	return to16(out), nil
}

// S1 generates the legacy STK from TK, Srand (r1) and Mrand (r2).
func S1(k, r1, r2 [16]byte) ([16]byte, error) {
	// r' = r1[63:0] || r2[63:0]
	r := sliceops.Concat(r2[:8], r1[:8])
	out, err := e(k[:], r)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "s1")
	}
	return to16(out), nil
}

// F4 is the LE Secure Connections confirm value generation function.
func F4(u, v [32]byte, x [16]byte, z uint8) ([16]byte, error) {
	m := sliceops.Concat([]byte{z}, v[:], u[:])

	out, err := aesCMAC(x[:], m)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "f4")
	}
	return to16(out), nil
}

var (
	f5Salt = []byte{0xbe, 0x83, 0x60, 0x5a, 0xdb, 0x0b, 0x37, 0x60,
		0x38, 0xa5, 0xf5, 0xaa, 0x91, 0x83, 0x88, 0x6c}
	f5KeyID  = []byte{0x65, 0x6c, 0x74, 0x62} // "btle"
	f5Length = []byte{0x00, 0x01}             // 256
)

// F5 is the LE Secure Connections key generation function. It returns
// MacKey and LTK.
func F5(w [32]byte, n1, n2 [16]byte, a1, a2 blesm.Addr) ([16]byte, [16]byte, error) {
	t, err := aesCMAC(f5Salt, w[:])
	if err != nil {
		return [16]byte{}, [16]byte{}, errors.Wrap(err, "f5 key")
	}

	m := sliceops.Concat(f5Length, addr7(a2), addr7(a1), n2[:], n1[:], f5KeyID, []byte{0x00})

	macKey, err := aesCMAC(t, m)
	if err != nil {
		return [16]byte{}, [16]byte{}, errors.Wrap(err, "f5 mackey")
	}

	// counter = 1 yields the ltk
	m[len(m)-1] = 0x01

	ltk, err := aesCMAC(t, m)
	if err != nil {
		return [16]byte{}, [16]byte{}, errors.Wrap(err, "f5 ltk")
	}

	return to16(macKey), to16(ltk), nil
}

// F6 is the LE Secure Connections check value generation function.
// ioCap is IOCapability, OOB flag, AuthReq in wire order.
func F6(w, n1, n2, r [16]byte, ioCap [3]byte, a1, a2 blesm.Addr) ([16]byte, error) {
	m := sliceops.Concat(addr7(a2), addr7(a1), ioCap[:], r[:], n2[:], n1[:])

	out, err := aesCMAC(w[:], m)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "f6")
	}
	return to16(out), nil
}

// G2 is the numeric comparison value generation function.
func G2(u, v [32]byte, x, y [16]byte) (blesm.Passkey, error) {
	m := sliceops.Concat(y[:], v[:], u[:])

	h, err := aesCMAC(x[:], m)
	if err != nil {
		return 0, errors.Wrap(err, "g2")
	}

	return blesm.Passkey(binary.LittleEndian.Uint32(h[:4]) % 1000000), nil
}

// Ah is the random address hash function.
func Ah(k [16]byte, r [3]byte) ([3]byte, error) {
	out, err := e(k[:], sliceops.Concat(r[:], make([]byte, 13)))
	if err != nil {
		return [3]byte{}, errors.Wrap(err, "ah")
	}

	var h [3]byte
	copy(h[:], out[:3])
	return h, nil
}

// PasskeyTK expands a passkey into the 128-bit temporary key (or the SC
// passkey value r) with the 4-byte numeric field in the low octets.
func PasskeyTK(p blesm.Passkey) [16]byte {
	var tk [16]byte
	w := p.Wire()
	copy(tk[:], w[:])
	return tk
}

// MaskKey zeroes the octets above the negotiated key size.
func MaskKey(k [16]byte, size uint8) [16]byte {
	for i := int(size); i < len(k); i++ {
		k[i] = 0
	}
	return k
}
