// smpsim pairs two in-process security managers over a simulated link and
// inspects the bond stores they leave behind.
package main

import (
	"fmt"
	"os"

	"github.com/rigado/blesm"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "smpsim"
	app.Usage = "simulate LE pairing between a central and a peripheral"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "warn",
			Usage: "logrus level for both managers",
		},
	}
	app.Commands = []cli.Command{
		pairCommand,
		{
			Name:      "bonds",
			Usage:     "list the bonded and resolving entries of a store",
			Flags:     storeFlags,
			Action:    cmdBonds,
			ArgsUsage: " ",
		},
		{
			Name:      "resolve",
			Usage:     "resolve a private address against the resolving list of a store",
			Flags:     storeFlags,
			Action:    cmdResolve,
			ArgsUsage: "<address>",
		},
		{
			Name:  "rpa",
			Usage: "generate a resolvable private address",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "irk", Usage: "identity resolving key, 16 hex bytes"},
			},
			Action: cmdRPA,
		},
	}
	return app
}

// newLogger builds the logger handed to the managers.
func newLogger(c *cli.Context) (blesm.Logger, error) {
	lvl, err := logrus.ParseLevel(c.GlobalString("log-level"))
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return blesm.NewLogrusLogger(l), nil
}
