package blesm

import (
	"time"

	"github.com/benbjohnson/clock"
)

// SecurityOption is implemented by the security manager to accept
// configuration options.
type SecurityOption interface {
	SetDefaultParams(Params) error
	SetSecureConnectionsSupport(enabled, only bool) error
	SetPairingRequestAuthorisation(required bool) error
	SetPairingTimeout(time.Duration) error
	SetStoreCapacity(int) error
	SetPasskey(*Passkey) error
	SetIdentity(addr Addr, irk IRK, csrk CSRK) error
	SetLogger(Logger) error
	SetClock(clock.Clock) error
}

// An Option is a configuration function, which configures the security
// manager.
type Option func(SecurityOption) error

// OptDefaultParams sets the parameters used for pairing requests and
// automatic responses.
func OptDefaultParams(p Params) Option {
	return func(opt SecurityOption) error {
		return opt.SetDefaultParams(p)
	}
}

// OptSecureConnections enables LE Secure Connections. With only set, legacy
// pairing is refused.
func OptSecureConnections(enabled, only bool) Option {
	return func(opt SecurityOption) error {
		return opt.SetSecureConnectionsSupport(enabled, only)
	}
}

// OptPairingAuthorisation makes inbound pairing requests wait for
// AcceptPairing instead of being answered with the default parameters.
func OptPairingAuthorisation(required bool) Option {
	return func(opt SecurityOption) error {
		return opt.SetPairingRequestAuthorisation(required)
	}
}

// OptPairingTimeout overrides the SMP transaction timeout (30s).
func OptPairingTimeout(d time.Duration) Option {
	return func(opt SecurityOption) error {
		return opt.SetPairingTimeout(d)
	}
}

// OptStoreCapacity sets the number of bonded and resolving entries kept.
func OptStoreCapacity(n int) Option {
	return func(opt SecurityOption) error {
		return opt.SetStoreCapacity(n)
	}
}

// OptPasskey sets a static passkey displayed instead of a random one.
func OptPasskey(p Passkey) Option {
	return func(opt SecurityOption) error {
		return opt.SetPasskey(&p)
	}
}

// OptIdentity sets the local identity address and the distributed IRK and
// CSRK.
func OptIdentity(addr Addr, irk IRK, csrk CSRK) Option {
	return func(opt SecurityOption) error {
		return opt.SetIdentity(addr, irk, csrk)
	}
}

func OptLogger(l Logger) Option {
	return func(opt SecurityOption) error {
		return opt.SetLogger(l)
	}
}

// OptClock replaces the wall clock, mostly for tests.
func OptClock(c clock.Clock) Option {
	return func(opt SecurityOption) error {
		return opt.SetClock(c)
	}
}
