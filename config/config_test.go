package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/bond"
	"github.com/stretchr/testify/require"
)

const testConfig = `
pairing:
  io_capability: keyboard-display
  mitm: true
  keypress: true
  secure_connections_only: true
  max_key_size: 12
  initiator_keys: [identity]
  responder_keys: [encryption, identity, signing]
  authorisation: true
  timeout: 45s
  passkey: "012345"
identity:
  address: c0:11:22:33:44:55
  address_type: random
  irk: 000102030405060708090a0b0c0d0e0f
store:
  capacity: 4
  kind: sqlite
  path: /var/lib/blesm/bonds.db
log_level: debug
`

func writeConfig(t *testing.T, s string) string {
	name := filepath.Join(t.TempDir(), "blesm.yaml")
	require.NoError(t, ioutil.WriteFile(name, []byte(s), 0644))
	return name
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	require.Equal(t, 45*time.Second, cfg.Pairing.Timeout)
	require.Equal(t, "012345", cfg.Pairing.Passkey)
	require.Equal(t, 4, cfg.Store.Capacity)
	require.Equal(t, bond.KindSQLite, cfg.Store.Kind)
	require.Equal(t, "debug", cfg.LogLevel)

	// unset keys keep their defaults
	require.True(t, cfg.Pairing.Bonding)
	require.True(t, cfg.Pairing.SecureConnections)

	p, err := cfg.Params()
	require.NoError(t, err)
	require.Equal(t, blesm.Params{
		IOCap:        blesm.IOCapKeyboardDisplay,
		AuthReq:      blesm.AuthBonding | blesm.AuthMITM | blesm.AuthSecureConnections | blesm.AuthKeypress,
		MaxKeySize:   12,
		InitiatorKey: blesm.KeyDistIdentity,
		ResponderKey: blesm.KeyDistEncryption | blesm.KeyDistIdentity | blesm.KeyDistSigning,
	}, p)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	p, err := cfg.Params()
	require.NoError(t, err)
	require.Equal(t, blesm.DefaultParams, p)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "pairing: [\n"))
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	name := filepath.Join(t.TempDir(), "blesm.yaml")

	cfg := Default()
	cfg.Pairing.MITM = true
	cfg.Store.Path = "bonds.json"
	require.NoError(t, Save(name, cfg))

	got, err := Load(name)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

// options records what the options set.
type options struct {
	params   blesm.Params
	sc, only bool
	auth     bool
	timeout  time.Duration
	cap      int
	passkey  *blesm.Passkey
	addr     blesm.Addr
	irk      blesm.IRK
	csrk     blesm.CSRK
	logger   blesm.Logger
}

func (o *options) SetDefaultParams(p blesm.Params) error { o.params = p; return nil }
func (o *options) SetSecureConnectionsSupport(enabled, only bool) error {
	o.sc, o.only = enabled, only
	return nil
}
func (o *options) SetPairingRequestAuthorisation(r bool) error { o.auth = r; return nil }
func (o *options) SetPairingTimeout(d time.Duration) error     { o.timeout = d; return nil }
func (o *options) SetStoreCapacity(n int) error                { o.cap = n; return nil }
func (o *options) SetPasskey(p *blesm.Passkey) error           { o.passkey = p; return nil }
func (o *options) SetLogger(l blesm.Logger) error              { o.logger = l; return nil }
func (o *options) SetClock(clock.Clock) error                  { return nil }
func (o *options) SetIdentity(a blesm.Addr, irk blesm.IRK, csrk blesm.CSRK) error {
	o.addr, o.irk, o.csrk = a, irk, csrk
	return nil
}

func TestOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	opts, err := cfg.Options()
	require.NoError(t, err)

	o := &options{}
	for _, opt := range opts {
		require.NoError(t, opt(o))
	}

	require.Equal(t, blesm.IOCapKeyboardDisplay, o.params.IOCap)
	require.True(t, o.sc)
	require.True(t, o.only)
	require.True(t, o.auth)
	require.Equal(t, 45*time.Second, o.timeout)
	require.Equal(t, 4, o.cap)
	require.NotNil(t, o.passkey)
	require.Equal(t, blesm.Passkey(12345), *o.passkey)
	require.Equal(t, blesm.MustParseAddr("c0:11:22:33:44:55", blesm.AddrTypeRandom), o.addr)
	require.Equal(t, blesm.IRK{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, o.irk)
	require.Equal(t, blesm.CSRK{}, o.csrk)
	require.NotNil(t, o.logger)
}

func TestOptionsInvalid(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"io capability": func(c *Config) { c.Pairing.IOCapability = "telepathy" },
		"key dist":      func(c *Config) { c.Pairing.InitiatorKeys = []string{"master"} },
		"passkey":       func(c *Config) { c.Pairing.Passkey = "12345" },
		"address type":  func(c *Config) { c.Identity.AddressType = "static" },
		"address":       func(c *Config) { c.Identity.Address = "c0:11" },
		"irk":           func(c *Config) { c.Identity.IRK = "0011" },
		"log level":     func(c *Config) { c.LogLevel = "loud" },
	} {
		cfg := Default()
		mod(cfg)
		_, err := cfg.Options()
		require.Equal(t, blesm.ErrInvalidParameter, errors.Cause(err), name)
	}
}

func TestOpenStore(t *testing.T) {
	cfg := Default()
	s, err := cfg.OpenStore()
	require.NoError(t, err)
	require.Nil(t, s)

	cfg.Store.Path = filepath.Join(t.TempDir(), "bonds.json")
	s, err = cfg.OpenStore()
	require.NoError(t, err)
	require.NoError(t, s.SaveBondedList(nil))
	require.NoError(t, s.Close())
}
