package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/sliceops"
)

// SignatureLen is the length of a data signature: sign counter then MAC.
const SignatureLen = 12

// Sign computes the data signature for an ATT signed write [Vol 3, Part H,
// 2.4.5]. The counter is appended to the message before the MAC is taken.
func Sign(csrk [16]byte, data []byte, counter uint32) ([SignatureLen]byte, error) {
	var sig [SignatureLen]byte

	cnt := make([]byte, 4)
	binary.LittleEndian.PutUint32(cnt, counter)

	mac, err := aesCMAC(csrk[:], sliceops.Concat(data, cnt))
	if err != nil {
		return sig, errors.Wrap(err, "sign")
	}

	copy(sig[:4], cnt)
	copy(sig[4:], mac[8:])
	return sig, nil
}

// Verify checks sig against data and returns the sign counter it carries.
// Replay protection is the caller's concern.
func Verify(csrk [16]byte, data []byte, sig [SignatureLen]byte) (uint32, bool, error) {
	counter := binary.LittleEndian.Uint32(sig[:4])

	exp, err := Sign(csrk, data, counter)
	if err != nil {
		return 0, false, err
	}

	return counter, subtle.ConstantTimeCompare(exp[:], sig[:]) == 1, nil
}

// NewResolvablePrivateAddress generates a fresh resolvable private address
// from irk [Vol 6, Part B, 1.3.2.2].
func NewResolvablePrivateAddress(irk [16]byte) (blesm.Addr, error) {
	var prand [3]byte
	for {
		if _, err := rand.Read(prand[:]); err != nil {
			return blesm.Addr{}, errors.Wrap(err, "prand")
		}
		prand[2] = prand[2]&0x3f | 0x40

		// the random part must not be all zeros or all ones
		r := uint32(prand[0]) | uint32(prand[1])<<8 | uint32(prand[2]&0x3f)<<16
		if r != 0 && r != 0x3fffff {
			break
		}
	}

	hash, err := Ah(irk, prand)
	if err != nil {
		return blesm.Addr{}, err
	}

	return blesm.AddrFromWire(sliceops.Concat(hash[:], prand[:]), blesm.AddrTypeRandom), nil
}

// ResolvesTo reports whether a was generated from irk.
func ResolvesTo(irk [16]byte, a blesm.Addr) (bool, error) {
	if !a.IsResolvablePrivate() {
		return false, nil
	}

	w := a.Wire()
	var prand [3]byte
	copy(prand[:], w[3:])

	hash, err := Ah(irk, prand)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(hash[:], w[:3]) == 1, nil
}
