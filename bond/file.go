// Package bond persists the security manager's bonded and resolving lists.
package bond

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
)

type bondFile struct {
	Bonds     []bondRecord      `json:"bonds"`
	Resolving []resolvingRecord `json:"resolving"`
}

type bondRecord struct {
	Address               string `json:"address"`
	AddressType           uint8  `json:"addressType"`
	LongTermKey           string `json:"longTermKey"`
	EncryptionDiversifier uint16 `json:"encryptionDiversifier"`
	RandomValue           string `json:"randomValue"`
	SigningKey            string `json:"signingKey,omitempty"`
	Authenticated         bool   `json:"authenticated"`
	SecureConnections     bool   `json:"secureConnections"`
	KeySize               uint8  `json:"keySize"`
}

type resolvingRecord struct {
	Address     string `json:"address"`
	AddressType uint8  `json:"addressType"`
	PeerIRK     string `json:"peerIRK"`
	LocalIRK    string `json:"localIRK"`
}

// FileStore keeps both lists in one JSON file.
type FileStore struct {
	filename string
	lock     sync.RWMutex
}

func NewFileStore(filename string) *FileStore {
	return &FileStore{filename: filename}
}

func (fs *FileStore) LoadBondedList() ([]blesm.BondedEntry, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	f, err := fs.loadExisting()
	if err != nil {
		return nil, err
	}

	out := make([]blesm.BondedEntry, 0, len(f.Bonds))
	for _, r := range f.Bonds {
		e, err := r.entry()
		if err != nil {
			return nil, errors.Wrapf(err, "bond %s in %s", r.Address, fs.filename)
		}
		out = append(out, e)
	}
	return out, nil
}

func (fs *FileStore) SaveBondedList(list []blesm.BondedEntry) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	f, err := fs.loadExisting()
	if err != nil {
		return err
	}

	f.Bonds = make([]bondRecord, 0, len(list))
	for _, e := range list {
		f.Bonds = append(f.Bonds, newBondRecord(e))
	}
	return fs.store(f)
}

func (fs *FileStore) LoadResolvingList() ([]blesm.ResolvingEntry, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	f, err := fs.loadExisting()
	if err != nil {
		return nil, err
	}

	out := make([]blesm.ResolvingEntry, 0, len(f.Resolving))
	for _, r := range f.Resolving {
		e, err := r.entry()
		if err != nil {
			return nil, errors.Wrapf(err, "identity %s in %s", r.Address, fs.filename)
		}
		out = append(out, e)
	}
	return out, nil
}

func (fs *FileStore) SaveResolvingList(list []blesm.ResolvingEntry) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	f, err := fs.loadExisting()
	if err != nil {
		return err
	}

	f.Resolving = make([]resolvingRecord, 0, len(list))
	for _, e := range list {
		f.Resolving = append(f.Resolving, resolvingRecord{
			Address:     e.Peer.String(),
			AddressType: uint8(e.Peer.Type),
			PeerIRK:     hex.EncodeToString(e.PeerIRK[:]),
			LocalIRK:    hex.EncodeToString(e.LocalIRK[:]),
		})
	}
	return fs.store(f)
}

// Close is a no-op; the file is only open while a list is read or written.
func (fs *FileStore) Close() error { return nil }

// Clear removes the file.
func (fs *FileStore) Clear() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	err := os.Remove(fs.filename)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (fs *FileStore) loadExisting() (*bondFile, error) {
	var f bondFile

	in, err := ioutil.ReadFile(fs.filename)
	if os.IsNotExist(err) {
		return &f, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bond file")
	}
	if len(in) == 0 {
		return &f, nil
	}

	if err := jsoniter.Unmarshal(in, &f); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal bond file")
	}
	return &f, nil
}

func (fs *FileStore) store(f *bondFile) error {
	out, err := jsoniter.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal bonds")
	}

	// the file holds key material
	return ioutil.WriteFile(fs.filename, out, 0600)
}

func newBondRecord(e blesm.BondedEntry) bondRecord {
	r := bondRecord{
		Address:               e.Peer.String(),
		AddressType:           uint8(e.Peer.Type),
		LongTermKey:           hex.EncodeToString(e.LTK[:]),
		EncryptionDiversifier: uint16(e.EDIV),
		RandomValue:           hex.EncodeToString(e.Rand[:]),
		Authenticated:         e.Authenticated,
		SecureConnections:     e.SecureConnections,
		KeySize:               e.KeySize,
	}
	if e.CSRK != (blesm.CSRK{}) {
		r.SigningKey = hex.EncodeToString(e.CSRK[:])
	}
	return r
}

func (r bondRecord) entry() (blesm.BondedEntry, error) {
	var e blesm.BondedEntry

	peer, err := blesm.ParseAddr(r.Address, blesm.AddrType(r.AddressType))
	if err != nil {
		return e, err
	}
	e.Peer = peer

	if err := decodeHex(e.LTK[:], r.LongTermKey); err != nil {
		return e, errors.Wrap(err, "long term key")
	}
	if err := decodeHex(e.Rand[:], r.RandomValue); err != nil {
		return e, errors.Wrap(err, "random value")
	}
	if r.SigningKey != "" {
		if err := decodeHex(e.CSRK[:], r.SigningKey); err != nil {
			return e, errors.Wrap(err, "signing key")
		}
	}

	e.EDIV = blesm.EDIV(r.EncryptionDiversifier)
	e.Authenticated = r.Authenticated
	e.SecureConnections = r.SecureConnections
	e.KeySize = r.KeySize
	return e, nil
}

func (r resolvingRecord) entry() (blesm.ResolvingEntry, error) {
	var e blesm.ResolvingEntry

	peer, err := blesm.ParseAddr(r.Address, blesm.AddrType(r.AddressType))
	if err != nil {
		return e, err
	}
	e.Peer = peer

	if err := decodeHex(e.PeerIRK[:], r.PeerIRK); err != nil {
		return e, errors.Wrap(err, "peer irk")
	}
	if err := decodeHex(e.LocalIRK[:], r.LocalIRK); err != nil {
		return e, errors.Wrap(err, "local irk")
	}
	return e, nil
}

// decodeHex fills dst exactly from s.
func decodeHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(blesm.ErrInvalidParameter, err.Error())
	}
	if len(b) != len(dst) {
		return errors.Wrapf(blesm.ErrInvalidParameter, "want %d bytes, have %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
