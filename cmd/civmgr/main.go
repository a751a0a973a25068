// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Command civmgr is the host-side CiV guest lifecycle service: it runs
// the long-lived broker/registry process, or acts as a thin client
// that talks to an already-running instance over the mailbox socket.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	name    = "civmgr"
	unknown = "unknown"
)

var (
	version = "0.1.0"
	commit  = unknown
)

var civLog = logrus.WithFields(logrus.Fields{
	"name": name,
	"pid":  os.Getpid(),
})

func makeVersionString() string {
	commitStr := commit
	if commitStr == "" {
		commitStr = unknown
	}
	return fmt.Sprintf("%s : %s\n   commit  : %s", name, version, commitStr)
}

var civFlags = []cli.Flag{
	cli.BoolFlag{Name: "start-server", Usage: "start the civmgr service"},
	cli.BoolFlag{Name: "daemon", Usage: "with --start-server, fork into the background"},
	cli.BoolFlag{Name: "stop-server", Usage: "stop the running civmgr service"},
	cli.StringFlag{Name: "start", Usage: "start the named guest"},
	cli.StringFlag{Name: "stop", Usage: "stop the named guest"},
	cli.BoolFlag{Name: "list", Usage: "list known guests and their state"},
	cli.StringFlag{Name: "import", Usage: "import the guest config file at `PATH`"},
	cli.StringFlag{Name: "delete", Usage: "stop and forget the named guest"},
	cli.StringFlag{Name: "sock", Usage: "mailbox socket path (defaults to the well-known path)"},
}

func createApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "manage Celadon-in-VM guest instances"
	app.Version = makeVersionString()
	app.Flags = civFlags
	app.Action = rootAction
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintln(os.Stdout, c.App.Version)
	}
	return app
}

func rootAction(c *cli.Context) error {
	switch {
	case c.Bool("start-server"):
		return runServer(c.Bool("daemon"), c.String("sock"))
	case c.Bool("stop-server"):
		return clientStopServer(c.String("sock"))
	case c.String("start") != "":
		return clientStartGuest(c.String("sock"), c.String("start"))
	case c.String("stop") != "":
		return clientStopGuest(c.String("sock"), c.String("stop"))
	case c.Bool("list"):
		return clientListGuests(c.String("sock"))
	case c.String("import") != "":
		return clientImportConfig(c.String("sock"), c.String("import"))
	case c.String("delete") != "":
		return clientDeleteGuest(c.String("sock"), c.String("delete"))
	default:
		return cli.ShowAppHelp(c)
	}
}

func main() {
	app := createApp()
	if err := app.Run(os.Args); err != nil {
		civLog.WithError(err).Error("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
