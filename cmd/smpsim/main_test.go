package main

import (
	"path/filepath"
	"testing"

	"github.com/rigado/blesm"
	"github.com/rigado/blesm/bond"
	"github.com/rigado/blesm/keys"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func init() {
	// failures come back as errors instead of ending the test binary
	cli.OsExiter = func(int) {}
}

func run(args ...string) error {
	return newApp().Run(append([]string{"smpsim"}, args...))
}

func stores(t *testing.T, ext string) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "central."+ext), filepath.Join(dir, "peripheral."+ext)
}

func requireBonded(t *testing.T, p blesm.Persistence, peer string) blesm.BondedEntry {
	t.Helper()
	list, err := p.LoadBondedList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, blesm.MustParseAddr(peer, blesm.AddrTypePublic), list[0].Peer)
	return list[0]
}

func TestPairJustWorks(t *testing.T) {
	c, p := stores(t, "json")
	require.NoError(t, run("pair", "--central-store", c, "--peripheral-store", p, "--reconnect", "--metrics"))

	ce := requireBonded(t, bond.NewFileStore(c), "a7:13:70:2d:cf:c1")
	pe := requireBonded(t, bond.NewFileStore(p), "56:12:37:37:bf:ce")
	require.Equal(t, ce.LTK, pe.LTK)
	require.True(t, ce.SecureConnections)
}

func TestPairSQLite(t *testing.T) {
	c, p := stores(t, "db")
	require.NoError(t, run("pair", "--store-kind", "sqlite", "--central-store", c, "--peripheral-store", p))

	s, err := bond.NewSQLiteStore(c)
	require.NoError(t, err)
	defer s.Close()
	requireBonded(t, s, "a7:13:70:2d:cf:c1")

	require.NoError(t, run("bonds", "--kind", "sqlite", "--store", c))
}

func TestPairPasskey(t *testing.T) {
	c, p := stores(t, "json")
	require.NoError(t, run("pair", "--mitm",
		"--central-io", "keyboard-only", "--peripheral-io", "display-only",
		"--central-store", c, "--peripheral-store", p))

	require.True(t, requireBonded(t, bond.NewFileStore(c), "a7:13:70:2d:cf:c1").Authenticated)
}

func TestPairBothKeyboards(t *testing.T) {
	require.NoError(t, run("pair", "--mitm", "--legacy",
		"--central-io", "keyboard-only", "--peripheral-io", "keyboard-only", "--passkey", "000042"))
}

func TestPairOOB(t *testing.T) {
	c, p := stores(t, "json")
	require.NoError(t, run("pair", "--oob", "--central-store", c, "--peripheral-store", p))

	e := requireBonded(t, bond.NewFileStore(c), "a7:13:70:2d:cf:c1")
	require.True(t, e.Authenticated)
	require.True(t, e.SecureConnections)
}

func TestPairLegacyOOB(t *testing.T) {
	c, p := stores(t, "json")
	require.NoError(t, run("pair", "--legacy", "--oob", "--central-store", c, "--peripheral-store", p))

	e := requireBonded(t, bond.NewFileStore(p), "56:12:37:37:bf:ce")
	require.True(t, e.Authenticated)
	require.False(t, e.SecureConnections)
}

func TestPairSecurityRequest(t *testing.T) {
	require.NoError(t, run("pair", "--security-request",
		"--central-io", "display-yes-no", "--peripheral-io", "display-yes-no"))
}

func TestPairNumericComparisonRejected(t *testing.T) {
	require.Error(t, run("pair", "--mitm", "--reject",
		"--central-io", "display-yes-no", "--peripheral-io", "keyboard-display"))
}

func TestPairBadFlags(t *testing.T) {
	require.Error(t, run("pair", "--central-io", "telepathy"))
	require.Error(t, run("pair", "--passkey", "12"))
	require.Error(t, run("--log-level", "loud", "pair"))
}

func TestResolve(t *testing.T) {
	c, p := stores(t, "json")
	require.NoError(t, run("pair", "--central-store", c, "--peripheral-store", p))

	resolving, err := bond.NewFileStore(c).LoadResolvingList()
	require.NoError(t, err)
	require.Len(t, resolving, 1)

	rpa, err := keys.NewResolvablePrivateAddress(resolving[0].PeerIRK)
	require.NoError(t, err)
	require.NoError(t, run("resolve", "--store", c, rpa.String()))
	require.NoError(t, run("bonds", "--store", c))

	other, err := keys.NewResolvablePrivateAddress(blesm.IRK{0x01})
	require.NoError(t, err)
	require.Error(t, run("resolve", "--store", c, other.String()))
}

func TestRPA(t *testing.T) {
	require.NoError(t, run("rpa", "--irk", "000102030405060708090a0b0c0d0e0f"))
	require.Error(t, run("rpa", "--irk", "0001"))
}
