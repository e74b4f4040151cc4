package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rigado/blesm"
	"github.com/rigado/blesm/bond"
	"github.com/rigado/blesm/keys"
	"github.com/rigado/blesm/keystore"
	"github.com/urfave/cli"
)

var storeFlags = []cli.Flag{
	cli.StringFlag{Name: "store", Usage: "bond store path"},
	cli.StringFlag{Name: "kind", Value: bond.KindFile, Usage: "bond store kind (file or sqlite)"},
	cli.IntFlag{Name: "capacity", Value: keystore.DefaultCapacity, Usage: "key store capacity"},
}

// loadStore reads a bond store into a key store.
func loadStore(c *cli.Context) (*keystore.Store, error) {
	p, err := bond.Open(c.String("kind"), c.String("store"))
	if err != nil {
		return nil, err
	}
	defer p.Close()

	ks := keystore.New(c.Int("capacity"))
	if err := ks.Load(p); err != nil {
		return nil, err
	}
	return ks, nil
}

func cmdBonds(c *cli.Context) error {
	ks, err := loadStore(c)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tTYPE\tEDIV\tRAND\tKEY SIZE\tSC\tMITM")
	for _, e := range ks.BondedList() {
		fmt.Fprintf(w, "%s\t%s\t0x%04x\t%016x\t%d\t%v\t%v\n",
			e.Peer, e.Peer.Type, uint16(e.EDIV), e.Rand.Uint64(), e.KeySize, e.SecureConnections, e.Authenticated)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(ks.ResolvingList()) == 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tTYPE\tIRK")
	for _, e := range ks.ResolvingList() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Peer, e.Peer.Type, hex.EncodeToString(e.PeerIRK[:]))
	}
	return w.Flush()
}

func cmdResolve(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("resolve takes one address", 1)
	}
	addr, err := blesm.ParseAddr(c.Args().First(), blesm.AddrTypeRandom)
	if err != nil {
		return err
	}

	ks, err := loadStore(c)
	if err != nil {
		return err
	}

	id, err := ks.ResolveAddress(addr)
	if errors.Cause(err) == blesm.ErrNotFound {
		return cli.NewExitError(fmt.Sprintf("%s does not resolve", addr), 2)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s resolves to %s (%s)\n", addr, id, id.Type)
	return nil
}

func cmdRPA(c *cli.Context) error {
	var irk [16]byte
	b, err := hex.DecodeString(c.String("irk"))
	if err != nil || len(b) != len(irk) {
		return cli.NewExitError("--irk must be 16 hex bytes", 1)
	}
	copy(irk[:], b)

	a, err := keys.NewResolvablePrivateAddress(irk)
	if err != nil {
		return err
	}
	fmt.Println(a)
	return nil
}
