package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	testHandle blesm.ConnHandle = 0x40
)

var (
	centralAddr    = blesm.MustParseAddr("56:12:37:37:bf:ce", blesm.AddrTypePublic)
	peripheralAddr = blesm.MustParseAddr("a7:13:70:2d:cf:c1", blesm.AddrTypePublic)
)

// eventLog records the events delivered to one manager.
type eventLog struct {
	lock   sync.Mutex
	events []event.Event
}

func (l *eventLog) add(e event.Event) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) find(t event.Type) (event.Event, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return e, true
		}
	}
	return event.Event{}, false
}

func (l *eventLog) has(t event.Type) bool {
	_, ok := l.find(t)
	return ok
}

func (l *eventLog) count(t event.Type) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) handlers() event.Handlers {
	return event.Handlers{
		SecuritySetupInitiated: func(h blesm.ConnHandle, bonding, mitm bool, ioCap blesm.IOCapability) {
			l.add(event.Event{Type: event.TypeSecuritySetupInitiated, Handle: h, Bonding: bonding, MITM: mitm, IOCap: ioCap})
		},
		SecuritySetupCompleted: func(h blesm.ConnHandle, status blesm.CompletionStatus) {
			l.add(event.Event{Type: event.TypeSecuritySetupCompleted, Handle: h, Status: status})
		},
		LinkSecured: func(h blesm.ConnHandle, mode blesm.SecurityMode) {
			l.add(event.Event{Type: event.TypeLinkSecured, Handle: h, Mode: mode})
		},
		SecurityContextStored: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypeSecurityContextStored, Handle: h})
		},
		PasskeyDisplay: func(h blesm.ConnHandle, pk blesm.Passkey) {
			l.add(event.Event{Type: event.TypePasskeyDisplay, Handle: h, Passkey: pk})
		},
		LinkKeyFailure: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypeLinkKeyFailure, Handle: h})
		},
		KeypressNotification: func(h blesm.ConnHandle, kp blesm.Keypress) {
			l.add(event.Event{Type: event.TypeKeypressNotification, Handle: h, Keypress: kp})
		},
		LegacyPairingOOBRequest: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypeLegacyPairingOOBRequest, Handle: h})
		},
		OOBRequest: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypeOOBRequest, Handle: h})
		},
		PasskeyRequest: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypePasskeyRequest, Handle: h})
		},
		ConfirmationRequest: func(h blesm.ConnHandle) {
			l.add(event.Event{Type: event.TypeConfirmationRequest, Handle: h})
		},
		AcceptPairingRequest: func(h blesm.ConnHandle, p blesm.Params) {
			l.add(event.Event{Type: event.TypeAcceptPairingRequest, Handle: h, Params: p})
		},
		KeysExchanged: func(h blesm.ConnHandle, ks blesm.KeySet) {
			l.add(event.Event{Type: event.TypeKeysExchanged, Handle: h, Keys: ks})
		},
	}
}

// completed returns the SecuritySetupCompleted status, once there is one.
func (l *eventLog) completed() (blesm.CompletionStatus, bool) {
	e, ok := l.find(event.TypeSecuritySetupCompleted)
	return e.Status, ok
}

func (l *eventLog) waitCompleted(t *testing.T) blesm.CompletionStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := l.completed()
		return ok
	}, waitFor, tick)
	s, _ := l.completed()
	return s
}

func (l *eventLog) waitFor(t *testing.T, et event.Type) event.Event {
	t.Helper()
	require.Eventually(t, func() bool { return l.has(et) }, waitFor, tick)
	e, _ := l.find(et)
	return e
}

// air connects a central and a peripheral manager. PDUs and controller
// operations are delivered in order on a single goroutine.
type air struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	central    *Manager
	peripheral *Manager

	pending blesm.LTK

	// tamper may rewrite or drop (return nil) a PDU in flight
	tamper func(from blesm.Role, pdu []byte) []byte
}

func newAir() *air {
	a := &air{}
	a.cond = sync.NewCond(&a.lock)
	go a.run()
	return a
}

func (a *air) post(f func()) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed {
		return
	}
	a.queue = append(a.queue, f)
	a.cond.Signal()
}

func (a *air) run() {
	for {
		a.lock.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if a.closed {
			a.lock.Unlock()
			return
		}
		f := a.queue[0]
		a.queue = a.queue[1:]
		a.lock.Unlock()

		f()
	}
}

func (a *air) close() {
	a.lock.Lock()
	a.closed = true
	a.cond.Signal()
	a.lock.Unlock()
}

func (a *air) setTamper(f func(from blesm.Role, pdu []byte) []byte) {
	a.lock.Lock()
	a.tamper = f
	a.lock.Unlock()
}

// endpoint is the transport and controller of one side.
type endpoint struct {
	a    *air
	role blesm.Role
}

func (e *endpoint) Send(h blesm.ConnHandle, pdu []byte) error {
	b := append([]byte(nil), pdu...)

	e.a.lock.Lock()
	tamper := e.a.tamper
	e.a.lock.Unlock()

	if tamper != nil {
		if b = tamper(e.role, b); b == nil {
			return nil
		}
	}

	e.a.post(func() {
		peer := e.a.peripheral
		if e.role == blesm.RolePeripheral {
			peer = e.a.central
		}
		peer.OnPDUReceived(h, b)
	})
	return nil
}

func (e *endpoint) StartEncryption(h blesm.ConnHandle, ltk blesm.LTK, ediv blesm.EDIV, rand blesm.Rand) error {
	e.a.lock.Lock()
	e.a.pending = ltk
	e.a.lock.Unlock()

	e.a.post(func() { e.a.peripheral.OnLTKRequest(h, ediv, rand) })
	return nil
}

func (e *endpoint) RefreshEncryption(h blesm.ConnHandle) error {
	e.a.post(func() { e.a.encryptionChange(h, nil) })
	return nil
}

func (e *endpoint) ReplyLTK(h blesm.ConnHandle, ltk *blesm.LTK) error {
	e.a.lock.Lock()
	pending := e.a.pending
	e.a.lock.Unlock()

	var result error
	if ltk == nil || *ltk != pending {
		result = errors.New("key mismatch")
	}
	e.a.post(func() { e.a.encryptionChange(h, result) })
	return nil
}

func (a *air) encryptionChange(h blesm.ConnHandle, result error) {
	a.central.OnEncryptionChange(h, 16, result)
	a.peripheral.OnEncryptionChange(h, 16, result)
}

type pair struct {
	air *air

	central    *Manager
	peripheral *Manager

	centralLog    *eventLog
	peripheralLog *eventLog
}

func newPair(t *testing.T, centralOpts, peripheralOpts []blesm.Option) *pair {
	t.Helper()

	a := newAir()
	p := &pair{air: a, centralLog: &eventLog{}, peripheralLog: &eventLog{}}

	var err error
	ce := &endpoint{a: a, role: blesm.RoleCentral}
	p.central, err = New(Config{Transport: ce, Controller: ce, Handlers: p.centralLog.handlers()}, centralOpts...)
	require.NoError(t, err)

	pe := &endpoint{a: a, role: blesm.RolePeripheral}
	p.peripheral, err = New(Config{Transport: pe, Controller: pe, Handlers: p.peripheralLog.handlers()}, peripheralOpts...)
	require.NoError(t, err)

	a.central, a.peripheral = p.central, p.peripheral

	require.NoError(t, p.central.Initialize())
	require.NoError(t, p.peripheral.Initialize())
	p.connect(t)

	t.Cleanup(func() {
		a.close()
		p.central.Close()
		p.peripheral.Close()
	})
	return p
}

func (p *pair) connect(t *testing.T) {
	require.NoError(t, p.central.Connect(testHandle, blesm.LinkInfo{
		Role: blesm.RoleCentral, Local: centralAddr, Peer: peripheralAddr,
	}))
	require.NoError(t, p.peripheral.Connect(testHandle, blesm.LinkInfo{
		Role: blesm.RolePeripheral, Local: peripheralAddr, Peer: centralAddr,
	}))
}

func (p *pair) disconnect(t *testing.T) {
	require.NoError(t, p.central.Disconnect(testHandle))
	require.NoError(t, p.peripheral.Disconnect(testHandle))
}

// waitSuccess waits for both sides to complete and checks they succeeded.
func (p *pair) waitSuccess(t *testing.T) {
	t.Helper()
	require.Equal(t, blesm.StatusSuccess, p.centralLog.waitCompleted(t), "central")
	require.Equal(t, blesm.StatusSuccess, p.peripheralLog.waitCompleted(t), "peripheral")
}

// recorder is a transport and controller for a single manager.
type recorder struct {
	lock  sync.Mutex
	sent  [][]byte
	start int
}

func (r *recorder) Send(h blesm.ConnHandle, pdu []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sent = append(r.sent, append([]byte(nil), pdu...))
	return nil
}

func (r *recorder) StartEncryption(h blesm.ConnHandle, ltk blesm.LTK, ediv blesm.EDIV, rand blesm.Rand) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.start++
	return nil
}

func (r *recorder) RefreshEncryption(h blesm.ConnHandle) error { return nil }

func (r *recorder) ReplyLTK(h blesm.ConnHandle, ltk *blesm.LTK) error { return nil }

func (r *recorder) pdus() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]byte(nil), r.sent...)
}

func (r *recorder) last() []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

type solo struct {
	m   *Manager
	rec *recorder
	log *eventLog
}

func newSolo(t *testing.T, role blesm.Role, opts ...blesm.Option) *solo {
	t.Helper()

	s := &solo{rec: &recorder{}, log: &eventLog{}}

	var err error
	s.m, err = New(Config{Transport: s.rec, Controller: s.rec, Handlers: s.log.handlers()}, opts...)
	require.NoError(t, err)
	require.NoError(t, s.m.Initialize())

	info := blesm.LinkInfo{Role: role, Local: centralAddr, Peer: peripheralAddr}
	if role == blesm.RolePeripheral {
		info = blesm.LinkInfo{Role: role, Local: peripheralAddr, Peer: centralAddr}
	}
	require.NoError(t, s.m.Connect(testHandle, info))

	t.Cleanup(s.m.Close)
	return s
}

// request is a raw pairing request as a central would send it.
func request(p blesm.Params) []byte {
	b := MarshalPairing(pairingRequest, p)
	return b[:]
}
