// Package smp implements the LE Security Manager Protocol: pairing,
// key distribution and the application facing security API.
package smp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/encryption"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/keys"
	"github.com/rigado/blesm/keystore"
)

// Config holds the collaborators of a Manager. Persistence is optional.
type Config struct {
	Transport   blesm.Transport
	Controller  blesm.Controller
	Persistence blesm.Persistence
	Handlers    event.Handlers
}

type settings struct {
	params    blesm.Params
	scEnabled bool
	scOnly    bool
	authorise bool
	timeout   time.Duration
	passkey   *blesm.Passkey

	identity blesm.Addr
	irk      blesm.IRK
	csrk     blesm.CSRK
}

// Manager is the security manager for all links of a device.
type Manager struct {
	transport   blesm.Transport
	controller  blesm.Controller
	persistence blesm.Persistence

	store  *keystore.Store
	events *event.Dispatcher
	enc    *encryption.Manager
	clock  clock.Clock
	log    blesm.Logger

	cfgLock sync.RWMutex
	cfg     settings
	ecdh    *keys.ECDHKeys

	lock  sync.RWMutex
	links map[blesm.ConnHandle]*link
}

// New creates a security manager. Options are applied before the event
// dispatcher and the encryption manager are started.
func New(c Config, opts ...blesm.Option) (*Manager, error) {
	if c.Transport == nil || c.Controller == nil {
		return nil, errors.Wrap(blesm.ErrInvalidParameter, "transport and controller are required")
	}

	m := &Manager{
		transport:   c.Transport,
		controller:  c.Controller,
		persistence: c.Persistence,
		store:       keystore.New(keystore.DefaultCapacity),
		clock:       clock.New(),
		log:         blesm.GetLogger(),
		cfg: settings{
			params:    blesm.DefaultParams,
			scEnabled: true,
			timeout:   DefaultTimeout,
		},
		links: make(map[blesm.ConnHandle]*link),
	}

	if err := m.Option(opts...); err != nil {
		return nil, err
	}

	var zero [16]byte
	if m.cfg.irk == zero {
		if _, err := m.GenerateIRK(); err != nil {
			return nil, err
		}
	}
	if m.cfg.csrk == zero {
		if _, err := m.GenerateCSRK(); err != nil {
			return nil, err
		}
	}

	m.log = m.log.ChildLogger(map[string]interface{}{"sub": "smp"})
	m.events = event.NewDispatcher(c.Handlers, m.log)
	m.enc = encryption.NewManager(encryption.Config{
		Controller:              c.Controller,
		Store:                   m.store,
		Events:                  m.events,
		Clock:                   m.clock,
		Logger:                  m.log,
		OnAuthenticationTimeout: m.onAuthTimeout,
	})

	return m, nil
}

// Option sets the options specified.
func (m *Manager) Option(opts ...blesm.Option) error {
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return err
		}
	}
	return nil
}

func validateParams(p blesm.Params) error {
	if !p.IOCap.Valid() {
		return errors.Wrapf(blesm.ErrInvalidParameter, "io capability %v", p.IOCap)
	}
	if p.MaxKeySize < minKeySize || p.MaxKeySize > maxKeySize {
		return errors.Wrapf(blesm.ErrInvalidParameter, "max key size %d", p.MaxKeySize)
	}
	return nil
}

func (m *Manager) SetDefaultParams(p blesm.Params) error {
	if err := validateParams(p); err != nil {
		return err
	}
	m.cfgLock.Lock()
	m.cfg.params = p
	m.cfgLock.Unlock()
	return nil
}

func (m *Manager) SetSecureConnectionsSupport(enabled, only bool) error {
	if only && !enabled {
		return errors.Wrap(blesm.ErrInvalidParameter, "secure connections only requires secure connections")
	}
	m.cfgLock.Lock()
	m.cfg.scEnabled = enabled
	m.cfg.scOnly = only
	m.cfgLock.Unlock()
	return nil
}

// SecureConnectionsSupport reports whether LE Secure Connections is
// enabled, and whether it is required.
func (m *Manager) SecureConnectionsSupport() (enabled, only bool) {
	s := m.settings()
	return s.scEnabled, s.scOnly
}

func (m *Manager) SetPairingRequestAuthorisation(required bool) error {
	m.cfgLock.Lock()
	m.cfg.authorise = required
	m.cfgLock.Unlock()
	return nil
}

func (m *Manager) SetPairingTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Wrapf(blesm.ErrInvalidParameter, "pairing timeout %v", d)
	}
	m.cfgLock.Lock()
	m.cfg.timeout = d
	m.cfgLock.Unlock()
	return nil
}

func (m *Manager) SetStoreCapacity(n int) error {
	return m.store.SetCapacity(n)
}

// SetPasskey sets the passkey displayed by this device. nil goes back to
// random passkeys.
func (m *Manager) SetPasskey(p *blesm.Passkey) error {
	if p != nil && !p.Valid() {
		return errors.Wrapf(blesm.ErrInvalidParameter, "passkey %d", uint32(*p))
	}

	m.cfgLock.Lock()
	defer m.cfgLock.Unlock()
	if p == nil {
		m.cfg.passkey = nil
		return nil
	}
	pk := *p
	m.cfg.passkey = &pk
	return nil
}

func (m *Manager) SetIdentity(addr blesm.Addr, irk blesm.IRK, csrk blesm.CSRK) error {
	m.cfgLock.Lock()
	m.cfg.identity = addr
	m.cfg.irk = irk
	m.cfg.csrk = csrk
	m.cfgLock.Unlock()
	return nil
}

// SetLogger takes effect for links connected afterwards.
func (m *Manager) SetLogger(l blesm.Logger) error {
	if l == nil {
		return errors.Wrap(blesm.ErrInvalidParameter, "nil logger")
	}
	m.log = l
	return nil
}

// SetClock is only honoured as an option to New.
func (m *Manager) SetClock(c clock.Clock) error {
	if m.enc != nil {
		return errors.Wrap(blesm.ErrInvalidState, "clock must be set when the manager is created")
	}
	if c == nil {
		return errors.Wrap(blesm.ErrInvalidParameter, "nil clock")
	}
	m.clock = c
	return nil
}

func (m *Manager) SetIRK(irk blesm.IRK) error {
	m.cfgLock.Lock()
	m.cfg.irk = irk
	m.cfgLock.Unlock()
	return nil
}

func (m *Manager) SetCSRK(csrk blesm.CSRK) error {
	m.cfgLock.Lock()
	m.cfg.csrk = csrk
	m.cfgLock.Unlock()
	return nil
}

// GenerateIRK replaces the local IRK with a random one.
func (m *Manager) GenerateIRK() (blesm.IRK, error) {
	k, err := random16()
	if err != nil {
		return blesm.IRK{}, err
	}
	return blesm.IRK(k), m.SetIRK(k)
}

// GenerateCSRK replaces the local CSRK with a random one.
func (m *Manager) GenerateCSRK() (blesm.CSRK, error) {
	k, err := random16()
	if err != nil {
		return blesm.CSRK{}, err
	}
	return blesm.CSRK(k), m.SetCSRK(k)
}

// SetPinCode is for BR/EDR pairing, which is not supported.
func (m *Manager) SetPinCode(h blesm.ConnHandle, pin []byte) error {
	return errors.Wrap(blesm.ErrNotSupported, "pin code")
}

func (m *Manager) settings() settings {
	m.cfgLock.RLock()
	defer m.cfgLock.RUnlock()
	return m.cfg
}

// localECDH returns the device key pair, generating it on first use.
func (m *Manager) localECDH() (*keys.ECDHKeys, error) {
	m.cfgLock.Lock()
	defer m.cfgLock.Unlock()

	if m.ecdh == nil {
		k, err := keys.GenerateKeys()
		if err != nil {
			return nil, err
		}
		m.ecdh = k
	}
	return m.ecdh, nil
}

func (m *Manager) regenerateECDH() error {
	k, err := keys.GenerateKeys()
	if err != nil {
		return err
	}
	m.cfgLock.Lock()
	m.ecdh = k
	m.cfgLock.Unlock()
	return nil
}

// newPasskey is the static passkey if one is set, else a random one.
func (m *Manager) newPasskey() (blesm.Passkey, error) {
	if p := m.settings().passkey; p != nil {
		return *p, nil
	}

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "random passkey")
	}
	return blesm.Passkey(binary.LittleEndian.Uint32(b[:]) % (uint32(blesm.MaxPasskey) + 1)), nil
}

// Initialize loads the key store and creates the ECDH key pair.
func (m *Manager) Initialize() error {
	if m.persistence != nil {
		if err := m.store.Load(m.persistence); err != nil {
			return errors.Wrap(err, "load key store")
		}
	}
	return m.regenerateECDH()
}

// Terminate drops every link without events and saves the key store.
func (m *Manager) Terminate() error {
	m.lock.Lock()
	links := m.links
	m.links = make(map[blesm.ConnHandle]*link)
	m.lock.Unlock()

	for _, l := range links {
		l.lock.Lock()
		l.drop()
		l.lock.Unlock()
		m.enc.Close(l.h)
	}

	if m.persistence != nil {
		return errors.Wrap(m.store.Save(m.persistence), "save key store")
	}
	return nil
}

// Reset discards every pairing in progress without events and creates a
// new ECDH key pair. Links, keys and the store are kept.
func (m *Manager) Reset() error {
	for _, l := range m.snapshot() {
		l.lock.Lock()
		l.stopTimer()
		l.pairing = nil
		l.localOOB = nil
		l.lock.Unlock()
	}
	return m.regenerateECDH()
}

// Close stops event delivery once queued events have been delivered.
func (m *Manager) Close() {
	m.events.Close()
}

// Flush waits until queued events have been delivered. It must not be
// called from an event handler.
func (m *Manager) Flush() {
	m.events.Flush()
}

// Store returns the key store.
func (m *Manager) Store() *keystore.Store {
	return m.store
}

func (m *Manager) snapshot() []*link {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// lockLink returns the link for h, locked.
func (m *Manager) lockLink(h blesm.ConnHandle) (*link, error) {
	m.lock.RLock()
	l, ok := m.links[h]
	m.lock.RUnlock()

	if !ok {
		return nil, errors.Wrapf(blesm.ErrUnknownHandle, "handle %d", h)
	}

	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil, errors.Wrapf(blesm.ErrUnknownHandle, "handle %d", h)
	}
	return l, nil
}

// Connect starts tracking a link. The peer address is resolved against the
// resolving list to find its identity.
func (m *Manager) Connect(h blesm.ConnHandle, info blesm.LinkInfo) error {
	identity := info.Peer
	if a, err := m.store.ResolveAddress(info.Peer); err == nil {
		identity = a
	}

	l := &link{
		m:        m,
		h:        h,
		role:     info.Role,
		local:    info.Local,
		peer:     info.Peer,
		identity: identity,
		log: m.log.ChildLogger(map[string]interface{}{
			"handle": h,
			"role":   info.Role.String(),
		}),
	}

	m.lock.Lock()
	if _, ok := m.links[h]; ok {
		m.lock.Unlock()
		return errors.Wrapf(blesm.ErrInvalidState, "handle %d already connected", h)
	}
	m.links[h] = l
	m.lock.Unlock()

	m.enc.Open(h, info.Role, identity)
	l.log.Debugf("connected to %s (identity %s)", info.Peer, identity)
	return nil
}

// Disconnect discards the link and any pairing on it without events.
func (m *Manager) Disconnect(h blesm.ConnHandle) error {
	m.lock.Lock()
	l, ok := m.links[h]
	delete(m.links, h)
	m.lock.Unlock()

	if !ok {
		return errors.Wrapf(blesm.ErrUnknownHandle, "handle %d", h)
	}

	l.lock.Lock()
	l.drop()
	l.lock.Unlock()

	m.enc.Close(h)
	return nil
}

// drop discards the link state. l.lock must be held.
func (l *link) drop() {
	if l.pairing != nil {
		l.log.Debugf("discarding pairing in state %s", l.pairing.state)
	}
	l.stopTimer()
	l.pairing = nil
	l.closed = true
}

// OnPDUReceived handles an SMP PDU from the transport.
func (m *Manager) OnPDUReceived(h blesm.ConnHandle, pdu []byte) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	m.enc.Touch(h)
	return l.fail(l.handle(pdu))
}

// OnEncryptionChange reports the result of a start or refresh of
// encryption. result is nil on success.
func (m *Manager) OnEncryptionChange(h blesm.ConnHandle, keySize uint8, result error) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	encErr := m.enc.OnEncryptionChange(h, keySize, result)

	p := l.pairing
	if p == nil || p.state != KeyDistribution {
		return encErr
	}

	if result == nil {
		result = encErr
	}
	if result != nil {
		return l.failLocal(failed(blesm.ReasonUnspecified, "encryption failed: %v", result))
	}

	p.encrypted = true
	return l.failLocal(l.distribute())
}

// OnLTKRequest answers the controller's LTK request on the peripheral.
func (m *Manager) OnLTKRequest(h blesm.ConnHandle, ediv blesm.EDIV, rand blesm.Rand) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return m.enc.OnLTKRequest(h, ediv, rand)
}

// OnValidMICTimeout reports that no packet with a valid MIC was received in
// time. A pairing in progress is abandoned.
func (m *Manager) OnValidMICTimeout(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	if l.pairing != nil {
		l.abort(blesm.StatusTimeout, false)
	}
	return m.enc.OnValidMICTimeout(h)
}

// onAuthTimeout aborts a pairing in progress when the authentication timer
// expires. It runs without the encryption lock held.
func (m *Manager) onAuthTimeout(h blesm.ConnHandle) bool {
	l, err := m.lockLink(h)
	if err != nil {
		return false
	}
	defer l.lock.Unlock()

	if l.pairing == nil {
		return false
	}
	l.abort(blesm.StatusTimeout, false)
	return true
}

// State returns the pairing state of the link; Idle when no pairing is in
// progress.
func (m *Manager) State(h blesm.ConnHandle) (State, error) {
	l, err := m.lockLink(h)
	if err != nil {
		return Idle, err
	}
	defer l.lock.Unlock()

	if l.pairing == nil {
		return Idle, nil
	}
	return l.pairing.state, nil
}

// RequestPairing starts pairing as central with params.
func (m *Manager) RequestPairing(h blesm.ConnHandle, params blesm.Params) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return l.failLocal(l.requestPairing(params))
}

// AcceptPairing answers a pending pairing request with params.
func (m *Manager) AcceptPairing(h blesm.ConnHandle, params blesm.Params) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	p := l.pairing
	if p == nil || p.initiator || p.state != Requested {
		return invalidState("no pairing request pending")
	}
	if err := validateParams(params); err != nil {
		return err
	}
	return l.failLocal(l.accept(params))
}

// RejectPairing refuses a pending request or ends the pairing in progress.
func (m *Manager) RejectPairing(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	p := l.pairing
	if p == nil {
		return invalidState("no pairing in progress")
	}

	r := blesm.ReasonUnspecified
	if !p.initiator && p.state == Requested {
		r = blesm.ReasonPairingNotSupported
	}
	l.abort(blesm.StatusFromReason(r), true)
	return nil
}

// CancelPairing ends the pairing in progress.
func (m *Manager) CancelPairing(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	p := l.pairing
	if p == nil {
		return invalidState("no pairing in progress")
	}

	r := blesm.ReasonUnspecified
	switch {
	case p.waitingUser && p.method == PasskeyEntry:
		r = blesm.ReasonPasskeyEntryFailed
	case p.waitingOOB:
		r = blesm.ReasonOOBNotAvailable
	}
	l.abort(blesm.StatusFromReason(r), true)
	return nil
}

// RequestAuthentication secures the link. A central re-encrypts with a
// bonded key or pairs; a peripheral sends a Security Request.
func (m *Manager) RequestAuthentication(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	if l.pairing != nil {
		return invalidState("pairing in progress")
	}

	params := m.settings().params
	if l.role == blesm.RolePeripheral {
		return l.failLocal(l.send(marshalSecurityRequest(params.AuthReq)))
	}

	if e, err := m.store.Bonded(l.identity); err == nil && e.HasLTK() {
		return m.enc.Enable(h)
	}
	return l.failLocal(l.requestPairing(params))
}

// PasskeyEntered supplies the passkey the user typed.
func (m *Manager) PasskeyEntered(h blesm.ConnHandle, pk blesm.Passkey) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return l.failLocal(l.passkeyEntered(pk))
}

// ConfirmationEntered reports the user's numeric comparison answer.
func (m *Manager) ConfirmationEntered(h blesm.ConnHandle, confirmed bool) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return l.failLocal(l.confirmationEntered(confirmed))
}

// SendKeypressNotification tells the peer about passkey typing progress.
func (m *Manager) SendKeypressNotification(h blesm.ConnHandle, kp blesm.Keypress) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	if !kp.Valid() {
		return errors.Wrapf(blesm.ErrInvalidParameter, "keypress %d", kp)
	}

	p := l.pairing
	if p == nil || p.method != PasskeyEntry || !p.waitingUser {
		return invalidState("not entering a passkey")
	}
	if !p.request.AuthReq.Keypress() || !p.response.AuthReq.Keypress() {
		return invalidState("keypress notifications not negotiated")
	}
	return l.failLocal(l.send([]byte{pairingKeypress, byte(kp)}))
}

// SetOOB supplies legacy OOB data received from the peer.
func (m *Manager) SetOOB(h blesm.ConnHandle, c blesm.C192, r blesm.R192) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	d := l.peerOOB
	if d == nil {
		d = &oobData{}
	}
	d.c192, d.r192, d.legacy = c, r, true
	l.peerOOB = d

	return l.failLocal(l.oobReceived())
}

// SetExtendedOOB supplies OOB data received from the peer for both pairing
// types.
func (m *Manager) SetExtendedOOB(h blesm.ConnHandle, c192 blesm.C192, r192 blesm.R192, c256 blesm.C256, r256 blesm.R256) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	l.peerOOB = &oobData{
		c192: c192, r192: r192, c256: c256, r256: r256,
		legacy: true, extended: true,
	}
	return l.failLocal(l.oobReceived())
}

// LocalOOBData creates the legacy OOB value to hand to the peer. The
// random value is the TK; legacy pairing has no confirm value so C192 is
// zero.
func (m *Manager) LocalOOBData(h blesm.ConnHandle) (blesm.C192, blesm.R192, error) {
	l, err := m.lockLink(h)
	if err != nil {
		return blesm.C192{}, blesm.R192{}, err
	}
	defer l.lock.Unlock()

	r, err := random16()
	if err != nil {
		return blesm.C192{}, blesm.R192{}, err
	}

	d := l.localOOB
	if d == nil {
		d = &oobData{}
	}
	d.r192, d.legacy = r, true
	l.localOOB = d
	return blesm.C192{}, d.r192, nil
}

// LocalExtendedOOBData creates the Secure Connections OOB confirm and
// random values to hand to the peer.
func (m *Manager) LocalExtendedOOBData(h blesm.ConnHandle) (blesm.C256, blesm.R256, error) {
	l, err := m.lockLink(h)
	if err != nil {
		return blesm.C256{}, blesm.R256{}, err
	}
	defer l.lock.Unlock()

	k, err := m.localECDH()
	if err != nil {
		return blesm.C256{}, blesm.R256{}, err
	}
	r, err := random16()
	if err != nil {
		return blesm.C256{}, blesm.R256{}, err
	}
	x := k.Public.X()
	c, err := keys.F4(x, x, r, 0)
	if err != nil {
		return blesm.C256{}, blesm.R256{}, err
	}

	d := l.localOOB
	if d == nil {
		d = &oobData{}
	}
	d.c256, d.r256, d.extended = c, r, true
	l.localOOB = d
	return d.c256, d.r256, nil
}

// SetLTK sets the key used to encrypt the link.
func (m *Manager) SetLTK(h blesm.ConnHandle, ltk blesm.LTK) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return m.enc.SetKey(h, encryption.Key{LTK: ltk, KeySize: maxKeySize})
}

// EnableEncryption starts encryption with the link or bonded key.
func (m *Manager) EnableEncryption(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	return m.enc.Enable(h)
}

// RefreshEncryptionKey restarts encryption on an encrypted link.
func (m *Manager) RefreshEncryptionKey(h blesm.ConnHandle) error {
	l, err := m.lockLink(h)
	if err != nil {
		return err
	}
	defer l.lock.Unlock()

	if st, err := m.enc.State(h); err != nil {
		return err
	} else if st != encryption.StateEncrypted {
		return invalidState("link is %s", st)
	}
	return m.enc.Enable(h)
}

func (m *Manager) EncryptionStatus(h blesm.ConnHandle) (blesm.LinkSecurityStatus, error) {
	return m.enc.Status(h)
}

func (m *Manager) EncryptionKeySize(h blesm.ConnHandle) (uint8, error) {
	return m.enc.KeySize(h)
}

// SetAuthenticationTimeout sets the authenticated payload timeout in units
// of 10ms.
func (m *Manager) SetAuthenticationTimeout(h blesm.ConnHandle, t uint16) error {
	return m.enc.SetAuthenticationTimeout(h, t)
}

func (m *Manager) AuthenticationTimeout(h blesm.ConnHandle) (uint16, error) {
	return m.enc.AuthenticationTimeout(h)
}

// SignData signs data with the local CSRK.
func (m *Manager) SignData(data []byte, counter uint32) ([keys.SignatureLen]byte, error) {
	return keys.Sign(m.settings().csrk, data, counter)
}

// VerifySignedData checks data signed by a bonded peer. It returns the
// peer's sign counter.
func (m *Manager) VerifySignedData(peer blesm.Addr, data []byte, sig [keys.SignatureLen]byte) (uint32, error) {
	e, err := m.store.Bonded(peer)
	if err != nil {
		return 0, err
	}
	counter, ok, err := keys.Verify(e.CSRK, data, sig)
	if err != nil {
		return 0, err
	}
	if !ok {
		return counter, errors.Wrapf(blesm.ErrVerificationFailed, "signature from %s", peer)
	}
	return counter, nil
}
