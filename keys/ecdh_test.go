package keys

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/stretchr/testify/require"
)

func TestDHKeyAgreement(t *testing.T) {
	a, err := GenerateKeys()
	require.NoError(t, err)
	b, err := GenerateKeys()
	require.NoError(t, err)
	require.NotEqual(t, a.Public, b.Public)

	require.NoError(t, ValidatePublicKey(a.Public))
	require.NoError(t, ValidatePublicKey(b.Public))

	ab, err := a.DHKey(b.Public)
	require.NoError(t, err)
	ba, err := b.DHKey(a.Public)
	require.NoError(t, err)

	require.Equal(t, ab, ba)
	require.NotEqual(t, [32]byte{}, ab)
}

func TestPublicKeyX(t *testing.T) {
	a, err := GenerateKeys()
	require.NoError(t, err)

	x := a.Public.X()
	require.Equal(t, a.Public[:32], x[:])
}

func TestDHKeyRejectsInvalidPoint(t *testing.T) {
	a, err := GenerateKeys()
	require.NoError(t, err)

	bad := a.Public
	bad[40] ^= 0x01

	err = ValidatePublicKey(bad)
	require.Error(t, err)
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))

	_, err = a.DHKey(bad)
	require.Error(t, err)

	_, err = a.DHKey(PublicKey{})
	require.Error(t, err)
}
