package bond

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/keystore"
	"github.com/stretchr/testify/require"
)

var (
	testBonds = []blesm.BondedEntry{
		{
			Peer:          blesm.MustParseAddr("a7:13:70:2d:cf:c1", blesm.AddrTypePublic),
			EDIV:          0x1234,
			Rand:          blesm.RandFromUint64(0x0102030405060708),
			LTK:           blesm.LTK{0x01, 0x02, 0x03, 0x04},
			CSRK:          blesm.CSRK{0xcc},
			Authenticated: true,
			KeySize:       16,
		},
		{
			Peer:              blesm.MustParseAddr("c0:11:22:33:44:55", blesm.AddrTypeRandom),
			LTK:               blesm.LTK{0xff},
			SecureConnections: true,
			KeySize:           7,
		},
	}

	testResolving = []blesm.ResolvingEntry{
		{
			Peer:     blesm.MustParseAddr("c0:11:22:33:44:55", blesm.AddrTypeRandom),
			PeerIRK:  blesm.IRK{0x10, 0x20},
			LocalIRK: blesm.IRK{0x30, 0x40},
		},
	}
)

func testPersistence(t *testing.T, p blesm.Persistence) {
	bonds, err := p.LoadBondedList()
	require.NoError(t, err)
	require.Empty(t, bonds)

	require.NoError(t, p.SaveBondedList(testBonds))
	require.NoError(t, p.SaveResolvingList(testResolving))

	bonds, err = p.LoadBondedList()
	require.NoError(t, err)
	require.Equal(t, testBonds, bonds)

	resolving, err := p.LoadResolvingList()
	require.NoError(t, err)
	require.Equal(t, testResolving, resolving)

	// saving replaces the list
	require.NoError(t, p.SaveBondedList(testBonds[1:]))
	bonds, err = p.LoadBondedList()
	require.NoError(t, err)
	require.Equal(t, testBonds[1:], bonds)

	// and leaves the other one alone
	resolving, err = p.LoadResolvingList()
	require.NoError(t, err)
	require.Equal(t, testResolving, resolving)
}

// testKeyStore goes through the key store the way the manager does on
// initialise and terminate.
func testKeyStore(t *testing.T, p blesm.Persistence) {
	s := keystore.New(4)
	for _, e := range testBonds {
		require.NoError(t, s.AddBonded(e))
	}
	for _, e := range testResolving {
		require.NoError(t, s.AddResolving(e))
	}
	require.NoError(t, s.Save(p))

	loaded := keystore.New(4)
	require.NoError(t, loaded.Load(p))
	require.Equal(t, s.BondedList(), loaded.BondedList())
	require.Equal(t, s.ResolvingList(), loaded.ResolvingList())

	got, err := loaded.BondedByEDIV(0x1234, blesm.RandFromUint64(0x0102030405060708))
	require.NoError(t, err)
	require.Equal(t, testBonds[0], got)
}

func TestFileStore(t *testing.T) {
	testPersistence(t, NewFileStore(filepath.Join(t.TempDir(), "bonds.json")))
}

func TestFileStoreKeyStore(t *testing.T) {
	testKeyStore(t, NewFileStore(filepath.Join(t.TempDir(), "bonds.json")))
}

func TestFileStoreClear(t *testing.T) {
	fs := NewFileStore(filepath.Join(t.TempDir(), "bonds.json"))
	require.NoError(t, fs.Clear())

	require.NoError(t, fs.SaveBondedList(testBonds))
	require.NoError(t, fs.Clear())

	bonds, err := fs.LoadBondedList()
	require.NoError(t, err)
	require.Empty(t, bonds)
}

func TestFileStoreCorrupt(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bonds.json")
	fs := NewFileStore(name)

	require.NoError(t, ioutil.WriteFile(name, []byte("{"), 0600))
	_, err := fs.LoadBondedList()
	require.Error(t, err)

	bad := `{"bonds":[{"address":"a7:13:70:2d:cf:c1","longTermKey":"0102","randomValue":"0000000000000000"}]}`
	require.NoError(t, ioutil.WriteFile(name, []byte(bad), 0600))
	_, err = fs.LoadBondedList()
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bonds.db"))
	require.NoError(t, err)
	defer s.Close()

	testPersistence(t, s)
}

func TestSQLiteStoreKeyStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bonds.db"))
	require.NoError(t, err)
	defer s.Close()

	testKeyStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	name := filepath.Join(t.TempDir(), "bonds.db")

	s, err := NewSQLiteStore(name)
	require.NoError(t, err)
	require.NoError(t, s.SaveBondedList(testBonds))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(name)
	require.NoError(t, err)
	defer s.Close()

	bonds, err := s.LoadBondedList()
	require.NoError(t, err)
	require.Equal(t, testBonds, bonds)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(KindFile, filepath.Join(dir, "bonds.json"))
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(KindSQLite, filepath.Join(dir, "bonds.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("bolt", filepath.Join(dir, "bonds"))
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))

	_, err = Open(KindFile, "")
	require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err))
}
