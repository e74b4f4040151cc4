// Package config loads security manager settings from YAML and turns them
// into options.
package config

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/bond"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the file layout.
type Config struct {
	Pairing  PairingConfig  `yaml:"pairing"`
	Identity IdentityConfig `yaml:"identity"`
	Store    StoreConfig    `yaml:"store"`
	LogLevel string         `yaml:"log_level"`
}

// PairingConfig holds the default pairing parameters and policy.
type PairingConfig struct {
	IOCapability          string        `yaml:"io_capability"`
	OOB                   bool          `yaml:"oob"`
	Bonding               bool          `yaml:"bonding"`
	MITM                  bool          `yaml:"mitm"`
	Keypress              bool          `yaml:"keypress"`
	SecureConnections     bool          `yaml:"secure_connections"`
	SecureConnectionsOnly bool          `yaml:"secure_connections_only"`
	MaxKeySize            uint8         `yaml:"max_key_size"`
	InitiatorKeys         []string      `yaml:"initiator_keys"`
	ResponderKeys         []string      `yaml:"responder_keys"`
	Authorisation         bool          `yaml:"authorisation"`
	Timeout               time.Duration `yaml:"timeout"`
	Passkey               string        `yaml:"passkey"`
}

// IdentityConfig is the local identity. Empty keys are generated.
type IdentityConfig struct {
	Address     string `yaml:"address"`
	AddressType string `yaml:"address_type"`
	IRK         string `yaml:"irk"`
	CSRK        string `yaml:"csrk"`
}

// StoreConfig selects the key store size and where it is persisted.
type StoreConfig struct {
	Capacity int    `yaml:"capacity"`
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`
}

var keyDistNames = map[string]blesm.KeyDist{
	"encryption": blesm.KeyDistEncryption,
	"identity":   blesm.KeyDistIdentity,
	"signing":    blesm.KeyDistSigning,
	"link":       blesm.KeyDistLink,
}

// Default mirrors the manager defaults.
func Default() *Config {
	return &Config{
		Pairing: PairingConfig{
			IOCapability:      blesm.DefaultParams.IOCap.String(),
			Bonding:           true,
			SecureConnections: true,
			MaxKeySize:        16,
			InitiatorKeys:     []string{"encryption", "identity", "signing"},
			ResponderKeys:     []string{"encryption", "identity", "signing"},
			Timeout:           30 * time.Second,
		},
		Store: StoreConfig{
			Capacity: 8,
			Kind:     bond.KindFile,
		},
		LogLevel: "info",
	}
}

// Load reads path on top of the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

// Params returns the default pairing parameters.
func (c *Config) Params() (blesm.Params, error) {
	pc := c.Pairing

	ioCap, err := blesm.ParseIOCapability(pc.IOCapability)
	if err != nil {
		return blesm.Params{}, err
	}

	p := blesm.Params{
		IOCap:      ioCap,
		OOB:        pc.OOB,
		MaxKeySize: pc.MaxKeySize,
	}
	if pc.Bonding {
		p.AuthReq |= blesm.AuthBonding
	}
	if pc.MITM {
		p.AuthReq |= blesm.AuthMITM
	}
	if pc.SecureConnections {
		p.AuthReq |= blesm.AuthSecureConnections
	}
	if pc.Keypress {
		p.AuthReq |= blesm.AuthKeypress
	}

	if p.InitiatorKey, err = keyDist(pc.InitiatorKeys); err != nil {
		return p, err
	}
	if p.ResponderKey, err = keyDist(pc.ResponderKeys); err != nil {
		return p, err
	}
	return p, nil
}

func keyDist(names []string) (blesm.KeyDist, error) {
	var d blesm.KeyDist
	for _, n := range names {
		f, ok := keyDistNames[n]
		if !ok {
			return 0, errors.Wrapf(blesm.ErrInvalidParameter, "key distribution %q", n)
		}
		d |= f
	}
	return d, nil
}

// Options converts the configuration into manager options.
func (c *Config) Options() ([]blesm.Option, error) {
	p, err := c.Params()
	if err != nil {
		return nil, err
	}

	opts := []blesm.Option{
		blesm.OptDefaultParams(p),
		blesm.OptSecureConnections(c.Pairing.SecureConnections, c.Pairing.SecureConnectionsOnly),
		blesm.OptPairingAuthorisation(c.Pairing.Authorisation),
	}

	if c.Pairing.Timeout > 0 {
		opts = append(opts, blesm.OptPairingTimeout(c.Pairing.Timeout))
	}
	if c.Store.Capacity > 0 {
		opts = append(opts, blesm.OptStoreCapacity(c.Store.Capacity))
	}

	if c.Pairing.Passkey != "" {
		pk, err := blesm.ParsePasskey(c.Pairing.Passkey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, blesm.OptPasskey(pk))
	}

	if c.Identity != (IdentityConfig{}) {
		o, err := c.Identity.option()
		if err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}

	if c.LogLevel != "" {
		lvl, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, errors.Wrap(blesm.ErrInvalidParameter, err.Error())
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		opts = append(opts, blesm.OptLogger(blesm.NewLogrusLogger(l)))
	}

	return opts, nil
}

func (ic IdentityConfig) option() (blesm.Option, error) {
	t := blesm.AddrTypePublic
	switch ic.AddressType {
	case "", "public":
	case "random":
		t = blesm.AddrTypeRandom
	default:
		return nil, errors.Wrapf(blesm.ErrInvalidParameter, "address type %q", ic.AddressType)
	}

	var addr blesm.Addr
	if ic.Address != "" {
		a, err := blesm.ParseAddr(ic.Address, t)
		if err != nil {
			return nil, err
		}
		addr = a
	}

	var irk blesm.IRK
	if err := decodeKey(irk[:], ic.IRK); err != nil {
		return nil, errors.Wrap(err, "irk")
	}
	var csrk blesm.CSRK
	if err := decodeKey(csrk[:], ic.CSRK); err != nil {
		return nil, errors.Wrap(err, "csrk")
	}

	return blesm.OptIdentity(addr, irk, csrk), nil
}

// decodeKey leaves dst zero for an empty string.
func decodeKey(dst []byte, s string) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		return errors.Wrapf(blesm.ErrInvalidParameter, "key %q must be %d hex bytes", s, len(dst))
	}
	copy(dst, b)
	return nil
}

// OpenStore opens the configured bond store, or returns nil when no path is
// configured.
func (c *Config) OpenStore() (bond.Store, error) {
	if c.Store.Path == "" {
		return nil, nil
	}
	return bond.Open(c.Store.Kind, c.Store.Path)
}
