package smp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
)

// pairingError aborts the session and sends Pairing Failed with reason.
type pairingError struct {
	reason blesm.Reason
	err    error
}

func (e *pairingError) Error() string { return e.err.Error() }
func (e *pairingError) Cause() error  { return e.err }
func (e *pairingError) Unwrap() error { return e.err }

func failed(r blesm.Reason, format string, args ...interface{}) error {
	return &pairingError{
		reason: r,
		err:    errors.Wrapf(blesm.StatusFromReason(r).Err(), format, args...),
	}
}

func invalidState(format string, args ...interface{}) error {
	return errors.Wrapf(blesm.ErrInvalidState, format, args...)
}

// oobData is OOB material for one direction of a link.
type oobData struct {
	c192 blesm.C192
	r192 blesm.R192
	c256 blesm.C256
	r256 blesm.R256

	legacy   bool
	extended bool
}

// link is the per-connection state. Everything below lock is guarded by
// it, and every transition for the handle runs with it held.
type link struct {
	m *Manager

	lock sync.Mutex

	h        blesm.ConnHandle
	role     blesm.Role
	local    blesm.Addr
	peer     blesm.Addr
	identity blesm.Addr
	closed   bool

	log blesm.Logger

	pairing    *pairingContext
	violations int

	timer    *clock.Timer
	timerGen uint64

	// received from the peer out of band, and generated for it
	peerOOB  *oobData
	localOOB *oobData
}

func (l *link) send(pdu []byte) error {
	l.log.Debugf("tx %s: %s", opString(pdu[0]), hex.EncodeToString(pdu))

	if err := l.m.transport.Send(l.h, pdu); err != nil {
		return errors.Wrapf(err, "send %s", opString(pdu[0]))
	}

	if l.pairing != nil {
		l.startTimer()
	}
	return nil
}

func (l *link) post(e event.Event) {
	e.Handle = l.h
	l.m.events.Post(e)
}

// startTimer (re)starts the SMP transaction timer.
func (l *link) startTimer() {
	l.stopTimer()

	l.timerGen++
	gen := l.timerGen
	l.timer = l.m.clock.AfterFunc(l.m.settings().timeout, func() {
		l.timeout(gen)
	})
}

func (l *link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *link) timeout(gen uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.closed || l.timerGen != gen || l.pairing == nil {
		return
	}

	l.log.Warnf("pairing timed out in state %s", l.pairing.state)

	// no further smp commands after a timeout [Vol 3, Part H, 3.4]
	l.abort(blesm.StatusTimeout, false)
}

// newPairing starts a session on the link.
func (l *link) newPairing(initiator bool) *pairingContext {
	p := &pairingContext{state: Idle, initiator: initiator}
	l.pairing = p
	l.violations = 0
	l.startTimer()
	return p
}

// abort ends the session with status, optionally telling the peer.
func (l *link) abort(status blesm.CompletionStatus, sendFailed bool) {
	r, isReason := status.Reason()
	if sendFailed && isReason {
		if err := l.m.transport.Send(l.h, marshalPairingFailed(r)); err != nil {
			l.log.Errorf("send pairing failed: %v", err)
		}
	}

	p := l.pairing
	if p == nil {
		return
	}

	l.log.Infof("pairing aborted in state %s: %s", p.state, status)

	p.state = Aborted
	l.pairing = nil
	l.stopTimer()

	// the key of a failed pairing is not used again
	if p.keySet {
		l.m.enc.ClearKey(l.h)
	}

	if sendFailed {
		switch r {
		case blesm.ReasonConfirmValueFailed, blesm.ReasonDHKeyCheckFailed,
			blesm.ReasonNumericComparisonFailed, blesm.ReasonPasskeyEntryFailed:
			l.post(event.Event{Type: event.TypeLinkKeyFailure})
		}
	}

	l.post(event.Event{Type: event.TypeSecuritySetupCompleted, Status: status})
}

// fail handles an error from an inbound PDU. State violations count
// against the peer, malformed PDUs and pairing errors abort.
func (l *link) fail(err error) error {
	if err == nil {
		return nil
	}

	var pe *pairingError
	if errors.As(err, &pe) {
		l.log.Warnf("%v", err)
		l.abort(blesm.StatusFromReason(pe.reason), true)
		return err
	}

	switch errors.Cause(err) {
	case blesm.ErrInvalidState:
		l.violations++
		l.log.Warnf("protocol violation %d: %v", l.violations, err)
		if l.violations >= maxViolations {
			l.violations = 0
			l.abort(blesm.StatusFromReason(blesm.ReasonUnspecified), true)
		}
	case blesm.ErrInvalidParameter:
		l.log.Warnf("%v", err)
		l.abort(blesm.StatusFromReason(blesm.ReasonInvalidParameters), true)
	default:
		l.log.Errorf("%v", err)
		l.abort(blesm.StatusFromReason(blesm.ReasonUnspecified), false)
	}
	return err
}

// failLocal handles an error from an application call. Rejected calls
// leave the session untouched.
func (l *link) failLocal(err error) error {
	if err == nil {
		return nil
	}

	var pe *pairingError
	if errors.As(err, &pe) {
		l.abort(blesm.StatusFromReason(pe.reason), true)
		return err
	}

	switch errors.Cause(err) {
	case blesm.ErrInvalidState, blesm.ErrInvalidParameter, blesm.ErrNotSupported,
		blesm.ErrNoKeyAvailable, blesm.ErrUnknownHandle:
		return err
	}

	l.log.Errorf("%v", err)
	l.abort(blesm.StatusFromReason(blesm.ReasonUnspecified), false)
	return err
}

func random16() ([16]byte, error) {
	var r [16]byte
	if _, err := rand.Read(r[:]); err != nil {
		return r, errors.Wrap(err, "random")
	}
	return r, nil
}
