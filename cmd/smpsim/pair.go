package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/bond"
	"github.com/rigado/blesm/config"
	"github.com/rigado/blesm/event"
	"github.com/rigado/blesm/metrics"
	"github.com/rigado/blesm/oob"
	"github.com/rigado/blesm/smp"
	"github.com/urfave/cli"
)

const simHandle blesm.ConnHandle = 0x0040

var pairCommand = cli.Command{
	Name:  "pair",
	Usage: "pair a central and a peripheral",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "central-config", Usage: "YAML configuration of the central"},
		cli.StringFlag{Name: "peripheral-config", Usage: "YAML configuration of the peripheral"},
		cli.StringFlag{Name: "central-io", Usage: "IO capability of the central"},
		cli.StringFlag{Name: "peripheral-io", Usage: "IO capability of the peripheral"},
		cli.StringFlag{Name: "central-addr", Value: "56:12:37:37:bf:ce", Usage: "public address of the central"},
		cli.StringFlag{Name: "peripheral-addr", Value: "a7:13:70:2d:cf:c1", Usage: "public address of the peripheral"},
		cli.StringFlag{Name: "central-store", Usage: "bond store of the central"},
		cli.StringFlag{Name: "peripheral-store", Usage: "bond store of the peripheral"},
		cli.StringFlag{Name: "store-kind", Value: bond.KindFile, Usage: "bond store kind (file or sqlite)"},
		cli.BoolFlag{Name: "mitm", Usage: "require MITM protection"},
		cli.BoolFlag{Name: "legacy", Usage: "disable LE Secure Connections on both sides"},
		cli.BoolFlag{Name: "oob", Usage: "exchange OOB data before pairing"},
		cli.BoolFlag{Name: "security-request", Usage: "let the peripheral ask for security"},
		cli.BoolFlag{Name: "reject", Usage: "answer numeric comparison with no"},
		cli.StringFlag{Name: "passkey", Value: "123456", Usage: "passkey typed when neither side displays one"},
		cli.BoolFlag{Name: "reconnect", Usage: "reconnect and encrypt with the bonded key afterwards"},
		cli.BoolFlag{Name: "metrics", Usage: "print the event counters"},
		cli.DurationFlag{Name: "wait", Value: 10 * time.Second, Usage: "how long to wait for completion"},
	},
	Action: cmdPair,
}

// side is one simulated device.
type side struct {
	name  string
	role  blesm.Role
	addr  blesm.Addr
	cfg   *config.Config
	m     *smp.Manager
	store bond.Store

	sim *simulation

	done chan blesm.CompletionStatus
}

type simulation struct {
	central    *side
	peripheral *side

	radio *radio

	passkey   blesm.Passkey
	reject    bool
	displayed chan blesm.Passkey

	reg *prometheus.Registry
}

func cmdPair(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}

	pk, err := blesm.ParsePasskey(c.String("passkey"))
	if err != nil {
		return err
	}

	sim := &simulation{
		radio:     newRadio(log),
		passkey:   pk,
		reject:    c.Bool("reject"),
		displayed: make(chan blesm.Passkey, 4),
	}
	defer sim.radio.close()

	if c.Bool("metrics") {
		sim.reg = prometheus.NewRegistry()
	}

	if sim.central, err = sim.newSide(c, "central", blesm.RoleCentral, log); err != nil {
		return err
	}
	defer sim.central.close()
	if sim.peripheral, err = sim.newSide(c, "peripheral", blesm.RolePeripheral, log); err != nil {
		return err
	}
	defer sim.peripheral.close()

	sim.radio.central, sim.radio.peripheral = sim.central.m, sim.peripheral.m

	if err := sim.connect(); err != nil {
		return err
	}

	if c.Bool("oob") {
		if err := sim.exchangeOOB(c.Bool("legacy")); err != nil {
			return err
		}
	}

	if c.Bool("security-request") {
		err = sim.peripheral.m.RequestAuthentication(simHandle)
	} else {
		var params blesm.Params
		if params, err = sim.central.cfg.Params(); err == nil {
			err = sim.central.m.RequestPairing(simHandle, params)
		}
	}
	if err != nil {
		return err
	}

	wait := c.Duration("wait")
	cs, err := sim.central.wait(wait)
	if err != nil {
		return err
	}
	ps, err := sim.peripheral.wait(wait)
	if err != nil {
		return err
	}

	fmt.Printf("central: %s, peripheral: %s\n", cs, ps)

	if cs == blesm.StatusSuccess && ps == blesm.StatusSuccess && c.Bool("reconnect") {
		if err := sim.reconnect(wait); err != nil {
			return err
		}
	}

	for _, s := range []*side{sim.central, sim.peripheral} {
		if err := s.m.Terminate(); err != nil {
			return errors.Wrapf(err, "%s", s.name)
		}
		fmt.Printf("%s: %d bonded, %d resolving\n", s.name, s.m.Store().Len(), s.m.Store().ResolvingLen())
	}

	if sim.reg != nil {
		if err := printMetrics(sim.reg); err != nil {
			return err
		}
	}

	if cs != blesm.StatusSuccess || ps != blesm.StatusSuccess {
		return cli.NewExitError("pairing failed", 2)
	}
	return nil
}

func (sim *simulation) newSide(c *cli.Context, name string, role blesm.Role, log blesm.Logger) (*side, error) {
	s := &side{
		name: name,
		role: role,
		sim:  sim,
		done: make(chan blesm.CompletionStatus, 1),
	}

	var err error
	if s.addr, err = blesm.ParseAddr(c.String(name+"-addr"), blesm.AddrTypePublic); err != nil {
		return nil, err
	}

	s.cfg = config.Default()
	if path := c.String(name + "-config"); path != "" {
		if s.cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if io := c.String(name + "-io"); io != "" {
		s.cfg.Pairing.IOCapability = io
	}
	if c.Bool("mitm") {
		s.cfg.Pairing.MITM = true
	}
	if c.Bool("legacy") {
		s.cfg.Pairing.SecureConnections = false
		s.cfg.Pairing.SecureConnectionsOnly = false
	}
	if c.Bool("oob") {
		s.cfg.Pairing.OOB = true
	}
	if path := c.String(name + "-store"); path != "" {
		s.cfg.Store.Path = path
		s.cfg.Store.Kind = c.String("store-kind")
	}
	// the simulation owns the logger
	s.cfg.LogLevel = ""

	opts, err := s.cfg.Options()
	if err != nil {
		return nil, errors.Wrapf(err, "%s configuration", name)
	}
	opts = append(opts, blesm.OptLogger(log.ChildLogger(map[string]interface{}{"side": name})))

	if s.store, err = s.cfg.OpenStore(); err != nil {
		return nil, err
	}

	hs := s.handlers()
	if sim.reg != nil {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"side": name}, sim.reg)
		if hs, _, err = metrics.Instrument(reg, hs); err != nil {
			return nil, err
		}
	}

	a := &antenna{r: sim.radio, role: role}
	mc := smp.Config{Transport: a, Controller: a, Handlers: hs}
	if s.store != nil {
		mc.Persistence = s.store
	}
	if s.m, err = smp.New(mc, opts...); err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	if err := s.m.Initialize(); err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	return s, nil
}

func (s *side) close() {
	s.m.Close()
	if s.store != nil {
		s.store.Close()
	}
}

func (s *side) handlers() event.Handlers {
	return event.Handlers{
		SecuritySetupInitiated: func(h blesm.ConnHandle, bonding, mitm bool, ioCap blesm.IOCapability) {
			fmt.Printf("%s: pairing started, bonding %v, mitm %v, peer io %s\n", s.name, bonding, mitm, ioCap)
		},
		SecuritySetupCompleted: func(h blesm.ConnHandle, status blesm.CompletionStatus) {
			select {
			case s.done <- status:
			default:
			}
		},
		LinkSecured: func(h blesm.ConnHandle, mode blesm.SecurityMode) {
			fmt.Printf("%s: link secured, mode %d\n", s.name, mode)
		},
		SecurityContextStored: func(h blesm.ConnHandle) {
			fmt.Printf("%s: bond stored\n", s.name)
		},
		PasskeyDisplay: func(h blesm.ConnHandle, pk blesm.Passkey) {
			fmt.Printf("%s: displays %s\n", s.name, pk)
			select {
			case s.sim.displayed <- pk:
			default:
			}
		},
		PasskeyRequest: func(h blesm.ConnHandle) {
			go s.enterPasskey(h)
		},
		ConfirmationRequest: func(h blesm.ConnHandle) {
			ok := !s.sim.reject
			fmt.Printf("%s: values match? %v\n", s.name, ok)
			if err := s.m.ConfirmationEntered(h, ok); err != nil {
				fmt.Printf("%s: %v\n", s.name, err)
			}
		},
		LinkKeyFailure: func(h blesm.ConnHandle) {
			fmt.Printf("%s: key check failed\n", s.name)
		},
		KeysExchanged: func(h blesm.ConnHandle, ks blesm.KeySet) {
			fmt.Printf("%s: received keys 0x%02x\n", s.name, uint8(ks.Dist))
		},
		OOBRequest: func(h blesm.ConnHandle) {
			fmt.Printf("%s: waiting for OOB data\n", s.name)
		},
		LegacyPairingOOBRequest: func(h blesm.ConnHandle) {
			fmt.Printf("%s: waiting for legacy OOB data\n", s.name)
		},
	}
}

// enterPasskey types what the other side displays, or the configured
// passkey when nobody displays one.
func (s *side) enterPasskey(h blesm.ConnHandle) {
	pk := s.sim.passkey
	select {
	case pk = <-s.sim.displayed:
	case <-time.After(500 * time.Millisecond):
	}

	fmt.Printf("%s: enters %s\n", s.name, pk)
	if err := s.m.PasskeyEntered(h, pk); err != nil {
		fmt.Printf("%s: %v\n", s.name, err)
	}
}

func (s *side) wait(d time.Duration) (blesm.CompletionStatus, error) {
	select {
	case st := <-s.done:
		return st, nil
	case <-time.After(d):
		return 0, errors.Wrapf(blesm.ErrTimeout, "%s did not complete", s.name)
	}
}

func (s *side) peer() blesm.Addr {
	if s.role == blesm.RoleCentral {
		return s.sim.peripheral.addr
	}
	return s.sim.central.addr
}

func (sim *simulation) connect() error {
	c, p := sim.central, sim.peripheral
	if err := c.m.Connect(simHandle, blesm.LinkInfo{Role: blesm.RoleCentral, Local: c.addr, Peer: p.addr}); err != nil {
		return err
	}
	return p.m.Connect(simHandle, blesm.LinkInfo{Role: blesm.RolePeripheral, Local: p.addr, Peer: c.addr})
}

func (sim *simulation) disconnect() error {
	if err := sim.central.m.Disconnect(simHandle); err != nil {
		return err
	}
	return sim.peripheral.m.Disconnect(simHandle)
}

// exchangeOOB hands each side's OOB data block to the other, the way an
// NFC tag would.
func (sim *simulation) exchangeOOB(legacy bool) error {
	c, p := sim.central, sim.peripheral

	if legacy {
		// both sides must hold the same TK
		_, tk, err := c.m.LocalOOBData(simHandle)
		if err != nil {
			return err
		}
		d, err := oob.Parse(oob.Marshal(oob.Data{Address: c.addr, Role: oob.RoleCentralOnly, TK: &tk}))
		if err != nil {
			return err
		}
		return p.m.SetOOB(simHandle, blesm.C192{}, *d.TK)
	}

	for _, pair := range [][2]*side{{c, p}, {p, c}} {
		from, to := pair[0], pair[1]

		conf, rnd, err := from.m.LocalExtendedOOBData(simHandle)
		if err != nil {
			return err
		}
		role := oob.RolePeripheralOnly
		if from.role == blesm.RoleCentral {
			role = oob.RoleCentralOnly
		}
		block := oob.Marshal(oob.Data{Address: from.addr, Role: role, Confirm: &conf, Random: &rnd})
		fmt.Printf("%s: oob block %x\n", from.name, block)

		d, err := oob.Parse(block)
		if err != nil {
			return err
		}
		if d.Address != to.peer() {
			return errors.Errorf("oob block from %s, expected %s", d.Address, to.peer())
		}
		if err := to.m.SetExtendedOOB(simHandle, blesm.C192{}, blesm.R192{}, *d.Confirm, *d.Random); err != nil {
			return err
		}
	}
	return nil
}

// reconnect drops the link and encrypts the new one with the bonded key.
func (sim *simulation) reconnect(d time.Duration) error {
	if err := sim.disconnect(); err != nil {
		return err
	}
	if err := sim.connect(); err != nil {
		return err
	}
	if err := sim.central.m.EnableEncryption(simHandle); err != nil {
		return err
	}

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		st, err := sim.peripheral.m.EncryptionStatus(simHandle)
		if err != nil {
			return err
		}
		if st == blesm.LinkEncrypted {
			fmt.Println("reconnected with the bonded key")
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.Wrap(blesm.ErrTimeout, "re-encryption")
}

func printMetrics(reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			v := m.GetCounter().GetValue()
			if m.Gauge != nil {
				v = m.GetGauge().GetValue()
			}
			fmt.Printf("%s%s %v\n", mf.GetName(), labels, v)
		}
	}
	return nil
}
