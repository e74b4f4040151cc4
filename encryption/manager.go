// Package encryption tracks link encryption per connection and answers the
// controller's LTK requests.
package encryption

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keystore"
)

// State of link encryption.
type State uint8

const (
	StateUnencrypted State = iota
	StateEncrypting
	StateEncrypted
	StateRefreshing
)

var stateStrings = []string{"unencrypted", "encrypting", "encrypted", "refreshing"}

func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return "unknown"
}

// DefaultAuthenticationTimeout in 10ms units (30s).
const DefaultAuthenticationTimeout = 3000

// Key is the key material used to encrypt a link: an STK or the LTK of the
// current pairing, or one injected by the application.
type Key struct {
	LTK  blesm.LTK
	EDIV blesm.EDIV
	Rand blesm.Rand

	Authenticated     bool
	SecureConnections bool
	KeySize           uint8
}

type link struct {
	h    blesm.ConnHandle
	role blesm.Role
	peer blesm.Addr

	state   State
	keySize uint8
	key     *Key

	// the key the controller is encrypting with
	pending *Key

	authTimeout uint16
	authTimer   *clock.Timer
	authGen     uint64
}

// Config holds the collaborators of a Manager.
type Config struct {
	Controller blesm.Controller
	Store      *keystore.Store
	Events     *event.Dispatcher
	Clock      clock.Clock
	Logger     blesm.Logger

	// OnAuthenticationTimeout runs when a link's authentication timer
	// expires. Returning false lets the manager treat the expiry like a MIC
	// timeout on an encrypted link.
	OnAuthenticationTimeout func(h blesm.ConnHandle) bool
}

// Manager holds the encryption state of every open link.
type Manager struct {
	ctrl   blesm.Controller
	store  *keystore.Store
	events *event.Dispatcher
	clock  clock.Clock
	log    blesm.Logger

	onAuthTimeout func(h blesm.ConnHandle) bool

	lock  sync.Mutex
	links map[blesm.ConnHandle]*link
}

func NewManager(c Config) *Manager {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = blesm.GetLogger()
	}

	return &Manager{
		ctrl:          c.Controller,
		store:         c.Store,
		events:        c.Events,
		clock:         c.Clock,
		log:           c.Logger.ChildLogger(map[string]interface{}{"sub": "encryption"}),
		onAuthTimeout: c.OnAuthenticationTimeout,
		links:         make(map[blesm.ConnHandle]*link),
	}
}

func (m *Manager) get(h blesm.ConnHandle) (*link, error) {
	l, ok := m.links[h]
	if !ok {
		return nil, errors.Wrapf(blesm.ErrUnknownHandle, "handle %d", h)
	}
	return l, nil
}

// Open starts tracking a link. Reopening a handle resets its state.
func (m *Manager) Open(h blesm.ConnHandle, role blesm.Role, peer blesm.Addr) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if l, ok := m.links[h]; ok {
		m.stopAuthTimer(l)
	}

	m.links[h] = &link{h: h, role: role, peer: peer, authTimeout: DefaultAuthenticationTimeout}
}

// Close forgets the link and stops its timer.
func (m *Manager) Close(h blesm.ConnHandle) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if l, ok := m.links[h]; ok {
		m.stopAuthTimer(l)
		delete(m.links, h)
	}
}

// SetPeer records the peer identity once it is known, so bonded keys can
// be found by address.
func (m *Manager) SetPeer(h blesm.ConnHandle, peer blesm.Addr) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}
	l.peer = peer
	return nil
}

// SetKey makes k the key used for the link.
func (m *Manager) SetKey(h blesm.ConnHandle, k Key) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}
	if k.KeySize == 0 {
		k.KeySize = 16
	}
	l.key = &k
	return nil
}

// ClearKey drops the link key. Bonded keys are still looked up.
func (m *Manager) ClearKey(h blesm.ConnHandle) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if l, ok := m.links[h]; ok {
		l.key = nil
	}
}

// centralKey is the link key, else the LTK bonded with the peer.
func (m *Manager) centralKey(l *link) (*Key, error) {
	if l.key != nil {
		return l.key, nil
	}

	if m.store != nil {
		if e, err := m.store.Bonded(l.peer); err == nil && e.HasLTK() {
			return &Key{
				LTK:               e.LTK,
				EDIV:              e.EDIV,
				Rand:              e.Rand,
				Authenticated:     e.Authenticated,
				SecureConnections: e.SecureConnections,
				KeySize:           e.KeySize,
			}, nil
		}
	}

	return nil, errors.Wrapf(blesm.ErrNoKeyAvailable, "handle %d", l.h)
}

// Enable starts encryption on an unencrypted link or refreshes it on an
// encrypted one. Only the central can do this.
func (m *Manager) Enable(h blesm.ConnHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}

	if l.role != blesm.RoleCentral {
		return errors.Wrap(blesm.ErrInvalidState, "peripheral cannot start encryption")
	}

	switch l.state {
	case StateUnencrypted:
		k, err := m.centralKey(l)
		if err != nil {
			return err
		}

		if err := m.ctrl.StartEncryption(h, k.LTK, k.EDIV, k.Rand); err != nil {
			return errors.Wrap(err, "start encryption")
		}
		l.pending = k
		l.state = StateEncrypting

	case StateEncrypted:
		k, err := m.centralKey(l)
		if err != nil {
			return err
		}

		if err := m.ctrl.RefreshEncryption(h); err != nil {
			return errors.Wrap(err, "refresh encryption")
		}
		l.pending = k
		l.state = StateRefreshing

	default:
		return errors.Wrapf(blesm.ErrInvalidState, "encryption %s", l.state)
	}

	m.log.Debugf("handle %d: %s", h, l.state)
	return nil
}

// OnLTKRequest answers the controller on the peripheral. The link key is
// used when EDIV and Rand match it; otherwise a bonded LTK is looked up by
// EDIV and Rand, or by peer address for Secure Connections (both zero).
func (m *Manager) OnLTKRequest(h blesm.ConnHandle, ediv blesm.EDIV, rand blesm.Rand) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}

	m.post(event.Event{Type: event.TypeLTKRequest, Handle: h, EDIV: ediv, Rand: rand})

	k := m.lookupLTK(l, ediv, rand)
	if k == nil {
		m.log.Infof("handle %d: no ltk for ediv 0x%04x", h, uint16(ediv))
		return m.ctrl.ReplyLTK(h, nil)
	}

	ltk := k.LTK
	if err := m.ctrl.ReplyLTK(h, &ltk); err != nil {
		return errors.Wrap(err, "reply ltk")
	}

	l.pending = k
	if l.state == StateEncrypted {
		l.state = StateRefreshing
	} else {
		l.state = StateEncrypting
	}
	return nil
}

func (m *Manager) lookupLTK(l *link, ediv blesm.EDIV, rand blesm.Rand) *Key {
	if l.key != nil && l.key.EDIV == ediv && l.key.Rand == rand {
		return l.key
	}

	if m.store == nil {
		return nil
	}

	var e blesm.BondedEntry
	var err error
	if ediv == 0 && rand == (blesm.Rand{}) {
		e, err = m.store.Bonded(l.peer)
		if err == nil && !e.SecureConnections {
			err = blesm.ErrNotFound
		}
	} else {
		e, err = m.store.BondedByEDIV(ediv, rand)
	}
	if err != nil || !e.HasLTK() {
		return nil
	}

	return &Key{
		LTK:               e.LTK,
		EDIV:              e.EDIV,
		Rand:              e.Rand,
		Authenticated:     e.Authenticated,
		SecureConnections: e.SecureConnections,
		KeySize:           e.KeySize,
	}
}

// OnEncryptionChange applies the controller's result. keySize is in octets;
// zero means the size of the key in use.
func (m *Manager) OnEncryptionChange(h blesm.ConnHandle, keySize uint8, result error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}

	k := l.pending
	l.pending = nil

	if result != nil {
		m.log.Warnf("handle %d: encryption failed: %v", h, result)
		l.state = StateUnencrypted
		l.keySize = 0
		m.post(event.Event{Type: event.TypeLinkKeyFailure, Handle: h})
		return nil
	}

	if k == nil {
		k = l.key
	}

	// encrypted only with a key this side handed to the controller
	if k == nil {
		m.log.Warnf("handle %d: encryption change without a key", h)
		l.state = StateUnencrypted
		l.keySize = 0
		m.post(event.Event{Type: event.TypeLinkKeyFailure, Handle: h})
		return errors.Wrapf(blesm.ErrNoKeyAvailable, "handle %d", h)
	}

	if keySize == 0 {
		keySize = k.KeySize
	}
	if keySize == 0 {
		keySize = 16
	}

	l.state = StateEncrypted
	l.keySize = keySize
	if l.key == nil {
		l.key = k
	}

	mode := blesm.SecurityModeEncryptionNoMITM
	if k.Authenticated {
		mode = blesm.SecurityModeEncryptionWithMITM
	}
	m.post(event.Event{Type: event.TypeLinkSecured, Handle: h, Mode: mode})
	m.restartAuthTimer(l)

	return nil
}

// OnValidMICTimeout drops the link back to unencrypted. The transport is
// expected to disconnect.
func (m *Manager) OnValidMICTimeout(h blesm.ConnHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}

	m.micTimeout(l)
	return nil
}

func (m *Manager) micTimeout(l *link) {
	l.state = StateUnencrypted
	l.keySize = 0
	l.pending = nil
	m.post(event.Event{Type: event.TypeValidMICTimeout, Handle: l.h})
}

func (m *Manager) Status(h blesm.ConnHandle) (blesm.LinkSecurityStatus, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return blesm.LinkNotEncrypted, err
	}

	switch l.state {
	case StateEncrypting, StateRefreshing:
		return blesm.LinkEncryptionInProgress, nil
	case StateEncrypted:
		return blesm.LinkEncrypted, nil
	}
	return blesm.LinkNotEncrypted, nil
}

// State returns the raw encryption state of the link.
func (m *Manager) State(h blesm.ConnHandle) (State, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return StateUnencrypted, err
	}
	return l.state, nil
}

// KeySize returns the key size in octets of an encrypted link.
func (m *Manager) KeySize(h blesm.ConnHandle) (uint8, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return 0, err
	}
	if l.state != StateEncrypted && l.state != StateRefreshing {
		return 0, errors.Wrapf(blesm.ErrInvalidState, "encryption %s", l.state)
	}
	return l.keySize, nil
}

// SetAuthenticationTimeout arms the authentication timer of the link with
// t in 10ms units. Touch restarts it.
func (m *Manager) SetAuthenticationTimeout(h blesm.ConnHandle, t uint16) error {
	if t == 0 {
		return errors.Wrap(blesm.ErrInvalidParameter, "authentication timeout 0")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return err
	}

	l.authTimeout = t
	m.armAuthTimer(l)
	return nil
}

func (m *Manager) AuthenticationTimeout(h blesm.ConnHandle) (uint16, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, err := m.get(h)
	if err != nil {
		return 0, err
	}
	return l.authTimeout, nil
}

// Touch records link activity and restarts an armed authentication timer.
func (m *Manager) Touch(h blesm.ConnHandle) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if l, ok := m.links[h]; ok {
		m.restartAuthTimer(l)
	}
}

func (m *Manager) restartAuthTimer(l *link) {
	if l.authTimer != nil {
		m.armAuthTimer(l)
	}
}

func (m *Manager) armAuthTimer(l *link) {
	m.stopAuthTimer(l)

	l.authGen++
	gen := l.authGen
	h := l.h
	d := time.Duration(l.authTimeout) * 10 * time.Millisecond
	l.authTimer = m.clock.AfterFunc(d, func() {
		m.authTimerExpired(h, gen)
	})
}

func (m *Manager) stopAuthTimer(l *link) {
	if l.authTimer != nil {
		l.authTimer.Stop()
		l.authTimer = nil
	}
}

func (m *Manager) authTimerExpired(h blesm.ConnHandle, gen uint64) {
	m.lock.Lock()
	l, ok := m.links[h]
	if !ok || l.authGen != gen {
		m.lock.Unlock()
		return
	}
	l.authTimer = nil
	m.lock.Unlock()

	m.log.Infof("handle %d: authentication timeout", h)

	if m.onAuthTimeout != nil && m.onAuthTimeout(h) {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if l, ok := m.links[h]; ok && l.authGen == gen && l.state == StateEncrypted {
		m.micTimeout(l)
	}
}

func (m *Manager) post(e event.Event) {
	if m.events != nil {
		m.events.Post(e)
	}
}
