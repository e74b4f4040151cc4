// Package metrics counts security manager events with Prometheus.
package metrics

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/event"
)

const namespace = "blesm"

// Collectors are the metrics updated by instrumented handlers.
type Collectors struct {
	Events      *prometheus.CounterVec
	Completed   *prometheus.CounterVec
	LinkSecured *prometheus.CounterVec
	KeyFailures prometheus.Counter
	InProgress  prometheus.Gauge
}

func NewCollectors() *Collectors {
	return &Collectors{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to the application, by type.",
		}, []string{"type"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "completed_total",
			Help:      "Finished security procedures, by completion status.",
		}, []string{"status"}),
		LinkSecured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_secured_total",
			Help:      "Links that became encrypted, by security mode.",
		}, []string{"mode"}),
		KeyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_key_failures_total",
			Help:      "Pairings that failed on a key or value check.",
		}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "in_progress",
			Help:      "Security procedures started and not yet completed.",
		}),
	}
}

// Register adds all collectors to reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.Events, c.Completed, c.LinkSecured, c.KeyFailures, c.InProgress} {
		if err := reg.Register(col); err != nil {
			return errors.Wrap(err, "register collector")
		}
	}
	return nil
}

// Instrument registers the collectors with reg and returns hs with every
// handler counting before it calls through.
func Instrument(reg prometheus.Registerer, hs event.Handlers) (event.Handlers, *Collectors, error) {
	c := NewCollectors()
	if err := c.Register(reg); err != nil {
		return hs, nil, err
	}
	return c.Wrap(hs), c, nil
}

func (c *Collectors) count(t event.Type) {
	c.Events.WithLabelValues(t.String()).Inc()
}

// Wrap returns hs with every handler set; nil handlers only count.
func (c *Collectors) Wrap(hs event.Handlers) event.Handlers {
	out := hs

	out.SecuritySetupInitiated = func(h blesm.ConnHandle, bonding, mitm bool, ioCap blesm.IOCapability) {
		c.count(event.TypeSecuritySetupInitiated)
		c.InProgress.Inc()
		if hs.SecuritySetupInitiated != nil {
			hs.SecuritySetupInitiated(h, bonding, mitm, ioCap)
		}
	}
	out.SecuritySetupCompleted = func(h blesm.ConnHandle, status blesm.CompletionStatus) {
		c.count(event.TypeSecuritySetupCompleted)
		c.Completed.WithLabelValues(status.String()).Inc()
		c.InProgress.Dec()
		if hs.SecuritySetupCompleted != nil {
			hs.SecuritySetupCompleted(h, status)
		}
	}
	out.LinkSecured = func(h blesm.ConnHandle, mode blesm.SecurityMode) {
		c.count(event.TypeLinkSecured)
		c.LinkSecured.WithLabelValues(strconv.Itoa(int(mode))).Inc()
		if hs.LinkSecured != nil {
			hs.LinkSecured(h, mode)
		}
	}
	out.SecurityContextStored = func(h blesm.ConnHandle) {
		c.count(event.TypeSecurityContextStored)
		if hs.SecurityContextStored != nil {
			hs.SecurityContextStored(h)
		}
	}
	out.PasskeyDisplay = func(h blesm.ConnHandle, pk blesm.Passkey) {
		c.count(event.TypePasskeyDisplay)
		if hs.PasskeyDisplay != nil {
			hs.PasskeyDisplay(h, pk)
		}
	}
	out.ValidMICTimeout = func(h blesm.ConnHandle) {
		c.count(event.TypeValidMICTimeout)
		if hs.ValidMICTimeout != nil {
			hs.ValidMICTimeout(h)
		}
	}
	out.LinkKeyFailure = func(h blesm.ConnHandle) {
		c.count(event.TypeLinkKeyFailure)
		c.KeyFailures.Inc()
		if hs.LinkKeyFailure != nil {
			hs.LinkKeyFailure(h)
		}
	}
	out.KeypressNotification = func(h blesm.ConnHandle, kp blesm.Keypress) {
		c.count(event.TypeKeypressNotification)
		if hs.KeypressNotification != nil {
			hs.KeypressNotification(h, kp)
		}
	}
	out.LegacyPairingOOBRequest = func(h blesm.ConnHandle) {
		c.count(event.TypeLegacyPairingOOBRequest)
		if hs.LegacyPairingOOBRequest != nil {
			hs.LegacyPairingOOBRequest(h)
		}
	}
	out.OOBRequest = func(h blesm.ConnHandle) {
		c.count(event.TypeOOBRequest)
		if hs.OOBRequest != nil {
			hs.OOBRequest(h)
		}
	}
	out.PasskeyRequest = func(h blesm.ConnHandle) {
		c.count(event.TypePasskeyRequest)
		if hs.PasskeyRequest != nil {
			hs.PasskeyRequest(h)
		}
	}
	out.ConfirmationRequest = func(h blesm.ConnHandle) {
		c.count(event.TypeConfirmationRequest)
		if hs.ConfirmationRequest != nil {
			hs.ConfirmationRequest(h)
		}
	}
	out.AcceptPairingRequest = func(h blesm.ConnHandle, p blesm.Params) {
		c.count(event.TypeAcceptPairingRequest)
		if hs.AcceptPairingRequest != nil {
			hs.AcceptPairingRequest(h, p)
		}
	}
	out.KeysExchanged = func(h blesm.ConnHandle, ks blesm.KeySet) {
		c.count(event.TypeKeysExchanged)
		if hs.KeysExchanged != nil {
			hs.KeysExchanged(h, ks)
		}
	}
	out.LTKRequest = func(h blesm.ConnHandle, ediv blesm.EDIV, rand blesm.Rand) {
		c.count(event.TypeLTKRequest)
		if hs.LTKRequest != nil {
			hs.LTKRequest(h, ediv, rand)
		}
	}

	return out
}
