package main

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/smp"
)

// radio carries PDUs and controller procedures between the two managers.
// Everything is delivered in order on one goroutine, so neither manager is
// called back from inside its own call.
type radio struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	central    *smp.Manager
	peripheral *smp.Manager

	// key the central started encryption with
	pending blesm.LTK
	keySize uint8

	log blesm.Logger
}

func newRadio(l blesm.Logger) *radio {
	r := &radio{keySize: 16, log: l}
	r.cond = sync.NewCond(&r.lock)
	go r.run()
	return r
}

func (r *radio) post(f func()) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, f)
	r.cond.Signal()
}

func (r *radio) run() {
	for {
		r.lock.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.lock.Unlock()
			return
		}
		f := r.queue[0]
		r.queue = r.queue[1:]
		r.lock.Unlock()

		f()
	}
}

func (r *radio) close() {
	r.lock.Lock()
	r.closed = true
	r.cond.Signal()
	r.lock.Unlock()
}

func (r *radio) manager(role blesm.Role) *smp.Manager {
	if role == blesm.RoleCentral {
		return r.central
	}
	return r.peripheral
}

func (r *radio) encryptionChange(h blesm.ConnHandle, result error) {
	for _, m := range []*smp.Manager{r.central, r.peripheral} {
		if err := m.OnEncryptionChange(h, r.keySize, result); err != nil {
			r.log.Warnf("encryption change: %v", err)
		}
	}
}

// antenna is one side's transport and controller.
type antenna struct {
	r    *radio
	role blesm.Role
}

func (a *antenna) peer() blesm.Role {
	if a.role == blesm.RoleCentral {
		return blesm.RolePeripheral
	}
	return blesm.RoleCentral
}

func (a *antenna) Send(h blesm.ConnHandle, pdu []byte) error {
	b := append([]byte(nil), pdu...)
	a.r.post(func() {
		if err := a.r.manager(a.peer()).OnPDUReceived(h, b); err != nil {
			a.r.log.Debugf("%s dropped pdu: %v", a.peer(), err)
		}
	})
	return nil
}

func (a *antenna) StartEncryption(h blesm.ConnHandle, ltk blesm.LTK, ediv blesm.EDIV, rand blesm.Rand) error {
	if a.role != blesm.RoleCentral {
		return errors.Wrap(blesm.ErrInvalidState, "only the central starts encryption")
	}

	a.r.lock.Lock()
	a.r.pending = ltk
	a.r.lock.Unlock()

	a.r.post(func() {
		if err := a.r.peripheral.OnLTKRequest(h, ediv, rand); err != nil {
			a.r.log.Warnf("ltk request: %v", err)
		}
	})
	return nil
}

func (a *antenna) RefreshEncryption(h blesm.ConnHandle) error {
	a.r.post(func() { a.r.encryptionChange(h, nil) })
	return nil
}

func (a *antenna) ReplyLTK(h blesm.ConnHandle, ltk *blesm.LTK) error {
	a.r.lock.Lock()
	pending := a.r.pending
	a.r.lock.Unlock()

	var result error
	if ltk == nil {
		result = errors.New("peripheral has no key")
	} else if *ltk != pending {
		result = errors.New("mic failure")
	}
	a.r.post(func() { a.r.encryptionChange(h, result) })
	return nil
}
