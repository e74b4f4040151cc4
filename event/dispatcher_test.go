package event

import (
	"sync"
	"testing"
	"time"

	"github.com/rigado/blesm"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	lock sync.Mutex
	got  []string
}

func (r *recorder) add(s string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) list() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.got...)
}

func TestDispatcherOrder(t *testing.T) {
	r := &recorder{}
	d := NewDispatcher(Handlers{
		PasskeyDisplay: func(h blesm.ConnHandle, p blesm.Passkey) {
			r.add("display " + p.String())
		},
		ConfirmationRequest: func(h blesm.ConnHandle) {
			r.add("confirm")
		},
		SecuritySetupCompleted: func(h blesm.ConnHandle, s blesm.CompletionStatus) {
			r.add("completed " + s.String())
		},
	}, nil)
	defer d.Close()

	require.True(t, d.Post(Event{Type: TypePasskeyDisplay, Handle: 1, Passkey: 42}))
	require.True(t, d.Post(Event{Type: TypeConfirmationRequest, Handle: 1}))
	require.True(t, d.Post(Event{Type: TypeSecuritySetupCompleted, Handle: 1, Status: blesm.StatusTimeout}))
	d.Flush()

	require.Equal(t, []string{"display 000042", "confirm", "completed timeout"}, r.list())
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	n := 0
	var lock sync.Mutex
	d := NewDispatcher(Handlers{
		LinkKeyFailure: func(h blesm.ConnHandle) {
			lock.Lock()
			n++
			lock.Unlock()
		},
	}, nil)
	defer d.Close()

	require.True(t, d.Post(Event{Type: TypeLinkKeyFailure, Handle: 3, Seq: 5}))
	require.False(t, d.Post(Event{Type: TypeLinkKeyFailure, Handle: 3, Seq: 5}))
	require.False(t, d.Post(Event{Type: TypeLinkKeyFailure, Handle: 3, Seq: 4}))

	// other handles have their own sequence
	require.True(t, d.Post(Event{Type: TypeLinkKeyFailure, Handle: 4, Seq: 1}))
	d.Flush()

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, 2, n)
}

func TestDispatcherMissingHandler(t *testing.T) {
	d := NewDispatcher(Handlers{}, nil)
	require.True(t, d.Post(Event{Type: TypeOOBRequest, Handle: 1}))
	require.True(t, d.Post(Event{Type: TypeKeysExchanged, Handle: 1}))
	d.Close()

	require.False(t, d.Post(Event{Type: TypeOOBRequest, Handle: 1}))
	// flush after close returns immediately
	d.Flush()
}

func TestDispatcherHandlerReentry(t *testing.T) {
	r := &recorder{}
	var d *Dispatcher
	d = NewDispatcher(Handlers{
		PasskeyRequest: func(h blesm.ConnHandle) {
			r.add("request")
			d.Post(Event{Type: TypeSecuritySetupCompleted, Handle: h})
		},
		SecuritySetupCompleted: func(h blesm.ConnHandle, s blesm.CompletionStatus) {
			r.add("completed")
		},
	}, nil)

	d.Post(Event{Type: TypePasskeyRequest, Handle: 9})
	require.Eventually(t, func() bool { return len(r.list()) == 2 }, waitFor, tick)
	d.Close()

	require.Equal(t, []string{"request", "completed"}, r.list())
}

func TestDispatcherCloseDrains(t *testing.T) {
	r := &recorder{}
	d := NewDispatcher(Handlers{
		ValidMICTimeout: func(h blesm.ConnHandle) { r.add("mic") },
	}, nil)

	for i := 0; i < 10; i++ {
		d.Post(Event{Type: TypeValidMICTimeout, Handle: blesm.ConnHandle(i)})
	}
	d.Close()
	require.Len(t, r.list(), 10)
}

func TestAllTypesDelivered(t *testing.T) {
	r := &recorder{}
	hs := Handlers{
		SecuritySetupInitiated:  func(blesm.ConnHandle, bool, bool, blesm.IOCapability) { r.add("a") },
		SecuritySetupCompleted:  func(blesm.ConnHandle, blesm.CompletionStatus) { r.add("b") },
		LinkSecured:             func(blesm.ConnHandle, blesm.SecurityMode) { r.add("c") },
		SecurityContextStored:   func(blesm.ConnHandle) { r.add("d") },
		PasskeyDisplay:          func(blesm.ConnHandle, blesm.Passkey) { r.add("e") },
		ValidMICTimeout:         func(blesm.ConnHandle) { r.add("f") },
		LinkKeyFailure:          func(blesm.ConnHandle) { r.add("g") },
		KeypressNotification:    func(blesm.ConnHandle, blesm.Keypress) { r.add("h") },
		LegacyPairingOOBRequest: func(blesm.ConnHandle) { r.add("i") },
		OOBRequest:              func(blesm.ConnHandle) { r.add("j") },
		PasskeyRequest:          func(blesm.ConnHandle) { r.add("k") },
		ConfirmationRequest:     func(blesm.ConnHandle) { r.add("l") },
		AcceptPairingRequest:    func(blesm.ConnHandle, blesm.Params) { r.add("m") },
		KeysExchanged:           func(blesm.ConnHandle, blesm.KeySet) { r.add("n") },
		LTKRequest:              func(blesm.ConnHandle, blesm.EDIV, blesm.Rand) { r.add("o") },
	}

	d := NewDispatcher(hs, nil)
	for typ := TypeSecuritySetupInitiated; typ <= TypeLTKRequest; typ++ {
		require.True(t, d.Post(Event{Type: typ, Handle: 1}))
	}
	d.Close()

	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o"}, r.list())
}
