package keys

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/sliceops"
	"github.com/wsddn/go-ecdh"
)

// PublicKey is a P-256 public key in SMP wire form: X then Y, each 32 octets
// least significant first.
type PublicKey [64]byte

// X returns the x coordinate used by f4 and g2.
func (p PublicKey) X() [32]byte {
	var x [32]byte
	copy(x[:], p[:32])
	return x
}

// ECDHKeys is a local P-256 key pair.
type ECDHKeys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey

	Public PublicKey
}

func newECDH() ecdh.ECDH {
	return ecdh.NewEllipticECDH(elliptic.P256())
}

// GenerateKeys creates a fresh key pair for one pairing.
func GenerateKeys() (*ECDHKeys, error) {
	var err error
	kp := ECDHKeys{}
	e := newECDH()

	kp.private, kp.public, err = e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate p256 key")
	}

	ba := e.Marshal(kp.public)
	ba = ba[1:] // remove header
	copy(kp.Public[:32], sliceops.SwapBuf(ba[:32]))
	copy(kp.Public[32:], sliceops.SwapBuf(ba[32:]))

	return &kp, nil
}

func unmarshalPublicKey(p PublicKey) (crypto.PublicKey, error) {
	xs := sliceops.SwapBuf(p[:32])
	ys := sliceops.SwapBuf(p[32:])

	// the ecdh package does not validate the point
	x, y := new(big.Int).SetBytes(xs), new(big.Int).SetBytes(ys)
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, errors.Wrap(blesm.ErrInvalidParameter, "public key not on p256")
	}

	pk, ok := newECDH().Unmarshal(sliceops.Concat([]byte{0x04}, xs, ys))
	if !ok {
		return nil, errors.Wrap(blesm.ErrInvalidParameter, "unmarshal public key")
	}
	return pk, nil
}

// ValidatePublicKey reports an error if p is not a point on P-256.
func ValidatePublicKey(p PublicKey) error {
	_, err := unmarshalPublicKey(p)
	return err
}

// DHKey computes the shared secret with the peer's public key, least
// significant octet first.
func (k *ECDHKeys) DHKey(peer PublicKey) ([32]byte, error) {
	var out [32]byte

	pub, err := unmarshalPublicKey(peer)
	if err != nil {
		return out, err
	}

	b, err := newECDH().GenerateSharedSecret(k.private, pub)
	if err != nil {
		return out, errors.Wrap(err, "dhkey")
	}

	// big.Int bytes drop leading zeros
	copy(out[32-len(b):], b)
	copy(out[:], sliceops.SwapBuf(out[:]))
	return out, nil
}
