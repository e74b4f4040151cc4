// Package keystore holds bonded peers and the resolving list in memory.
// Durable storage is a blesm.Persistence collaborator, touched only by Load
// and Save.
package keystore

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/keys"
)

// DefaultCapacity applies when no capacity is configured.
const DefaultCapacity = 8

// Store is a fixed-capacity, ordered key store. Entries are unique per peer
// address; adding an existing address overwrites the entry in place.
type Store struct {
	lock     sync.RWMutex
	capacity int

	bonded    []blesm.BondedEntry
	resolving []blesm.ResolvingEntry
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		bonded:    make([]blesm.BondedEntry, 0, capacity),
		resolving: make([]blesm.ResolvingEntry, 0, capacity),
	}
}

func (s *Store) Capacity() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.capacity
}

// SetCapacity resizes the store. It fails if either list holds more entries
// than the new capacity.
func (s *Store) SetCapacity(n int) error {
	if n <= 0 {
		return errors.Wrapf(blesm.ErrInvalidParameter, "capacity %d", n)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.bonded) > n || len(s.resolving) > n {
		return errors.Wrapf(blesm.ErrStoreFull, "capacity %d below current size", n)
	}
	s.capacity = n
	return nil
}

func (s *Store) bondedIndex(addr blesm.Addr) int {
	for i := range s.bonded {
		if s.bonded[i].Peer == addr {
			return i
		}
	}
	return -1
}

func (s *Store) resolvingIndex(addr blesm.Addr) int {
	for i := range s.resolving {
		if s.resolving[i].Peer == addr {
			return i
		}
	}
	return -1
}

// AddBonded inserts or overwrites the entry for e.Peer.
func (s *Store) AddBonded(e blesm.BondedEntry) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if i := s.bondedIndex(e.Peer); i >= 0 {
		s.bonded[i] = e
		return nil
	}

	if len(s.bonded) >= s.capacity {
		return errors.Wrapf(blesm.ErrStoreFull, "bonded list holds %d entries", len(s.bonded))
	}

	s.bonded = append(s.bonded, e)
	return nil
}

func (s *Store) RemoveBonded(addr blesm.Addr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	i := s.bondedIndex(addr)
	if i < 0 {
		return errors.Wrapf(blesm.ErrNotFound, "bond for %s", addr)
	}

	s.bonded = append(s.bonded[:i], s.bonded[i+1:]...)
	return nil
}

func (s *Store) Bonded(addr blesm.Addr) (blesm.BondedEntry, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	i := s.bondedIndex(addr)
	if i < 0 {
		return blesm.BondedEntry{}, errors.Wrapf(blesm.ErrNotFound, "bond for %s", addr)
	}
	return s.bonded[i], nil
}

// BondedByEDIV finds the entry a legacy LTK request refers to.
func (s *Store) BondedByEDIV(ediv blesm.EDIV, rand blesm.Rand) (blesm.BondedEntry, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, e := range s.bonded {
		if e.EDIV == ediv && e.Rand == rand {
			return e, nil
		}
	}
	return blesm.BondedEntry{}, errors.Wrapf(blesm.ErrNotFound, "bond for ediv 0x%04x", uint16(ediv))
}

// BondedList returns a copy of the bonded entries in insertion order.
func (s *Store) BondedList() []blesm.BondedEntry {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]blesm.BondedEntry, len(s.bonded))
	copy(out, s.bonded)
	return out
}

func (s *Store) ClearBonded() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bonded = s.bonded[:0]
}

// AddResolving inserts or overwrites the entry for e.Peer.
func (s *Store) AddResolving(e blesm.ResolvingEntry) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if i := s.resolvingIndex(e.Peer); i >= 0 {
		s.resolving[i] = e
		return nil
	}

	if len(s.resolving) >= s.capacity {
		return errors.Wrapf(blesm.ErrStoreFull, "resolving list holds %d entries", len(s.resolving))
	}

	s.resolving = append(s.resolving, e)
	return nil
}

func (s *Store) RemoveResolving(addr blesm.Addr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	i := s.resolvingIndex(addr)
	if i < 0 {
		return errors.Wrapf(blesm.ErrNotFound, "resolving entry for %s", addr)
	}

	s.resolving = append(s.resolving[:i], s.resolving[i+1:]...)
	return nil
}

func (s *Store) ResolvingList() []blesm.ResolvingEntry {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]blesm.ResolvingEntry, len(s.resolving))
	copy(out, s.resolving)
	return out
}

func (s *Store) ClearResolving() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resolving = s.resolving[:0]
}

// Clear empties both lists.
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bonded = s.bonded[:0]
	s.resolving = s.resolving[:0]
}

// Len returns the number of bonded entries.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.bonded)
}

func (s *Store) ResolvingLen() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.resolving)
}

// ResolveAddress returns the identity address behind candidate. A
// resolvable private address is checked against every peer IRK; any other
// address resolves to itself only if it is a known identity.
func (s *Store) ResolveAddress(candidate blesm.Addr) (blesm.Addr, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if !candidate.IsResolvablePrivate() {
		if s.resolvingIndex(candidate) >= 0 || s.bondedIndex(candidate) >= 0 {
			return candidate, nil
		}
		return blesm.Addr{}, errors.Wrapf(blesm.ErrNotFound, "identity %s", candidate)
	}

	for _, e := range s.resolving {
		ok, err := keys.ResolvesTo(e.PeerIRK, candidate)
		if err != nil {
			return blesm.Addr{}, err
		}
		if ok {
			return e.Peer, nil
		}
	}

	return blesm.Addr{}, errors.Wrapf(blesm.ErrNotFound, "no irk resolves %s", candidate)
}

// Load replaces the store contents with what p returns. Entries beyond the
// capacity are rejected with ErrStoreFull and the store is left unchanged.
func (s *Store) Load(p blesm.Persistence) error {
	bonded, err := p.LoadBondedList()
	if err != nil {
		return errors.Wrap(err, "load bonded list")
	}
	resolving, err := p.LoadResolvingList()
	if err != nil {
		return errors.Wrap(err, "load resolving list")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if len(bonded) > s.capacity || len(resolving) > s.capacity {
		return errors.Wrapf(blesm.ErrStoreFull, "persisted lists exceed capacity %d", s.capacity)
	}

	s.bonded = s.bonded[:0]
	for _, e := range bonded {
		if i := s.bondedIndex(e.Peer); i >= 0 {
			s.bonded[i] = e
			continue
		}
		s.bonded = append(s.bonded, e)
	}

	s.resolving = s.resolving[:0]
	for _, e := range resolving {
		if i := s.resolvingIndex(e.Peer); i >= 0 {
			s.resolving[i] = e
			continue
		}
		s.resolving = append(s.resolving, e)
	}

	return nil
}

// Save hands both lists to p.
func (s *Store) Save(p blesm.Persistence) error {
	if err := p.SaveBondedList(s.BondedList()); err != nil {
		return errors.Wrap(err, "save bonded list")
	}
	if err := p.SaveResolvingList(s.ResolvingList()); err != nil {
		return errors.Wrap(err, "save resolving list")
	}
	return nil
}
