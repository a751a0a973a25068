// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/intel/civmgr/internal/broker"
	"github.com/intel/civmgr/internal/cidpool"
	"github.com/intel/civmgr/internal/guest"
	"github.com/intel/civmgr/internal/ready"
)

// daemonLogPath is where a --daemon server's stdout/stderr land once it
// has detached from the invoking terminal.
const daemonLogPath = "/tmp/civ_server.log"

// runServer is the --start-server entry point: build the registry and
// mailbox broker, bind the readiness listener, and serve until a
// SIGINT/SIGTERM or a stop_service request tears it down.
func runServer(daemon bool, sockPath string) error {
	if daemon {
		return forkDaemon()
	}

	cDir, err := configDir()
	if err != nil {
		return err
	}
	lDir, err := logDir()
	if err != nil {
		return err
	}

	readySrv, err := ready.Listen()
	if err != nil {
		return err
	}
	go readySrv.Serve()
	defer readySrv.Close()

	mgr := guest.NewManager(cidpool.New(), readySrv, cDir, lDir)

	b := broker.New(mgr, sockPath)
	if err := b.Listen(); err != nil {
		return err
	}

	setupSignalHandler(b)

	civLog.Info("civmgr service listening")
	b.Serve()
	return nil
}

// setupSignalHandler stops the broker in response to SIGINT/SIGTERM so
// every running guest is torn down before the process exits, mirroring
// the runtime's own signal-driven graceful-shutdown goroutine.
func setupSignalHandler(b *broker.Broker) {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		civLog.WithField("signal", sig).Info("received shutdown signal")
		b.Stop()
	}()
}

// forkDaemon re-execs civmgr without --daemon, detached from the
// controlling terminal with its own session and stdio redirected to
// daemonLogPath, then returns so the parent can exit immediately.
func forkDaemon() error {
	logFile, err := os.OpenFile(daemonLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o640)
	if err != nil {
		return err
	}
	defer logFile.Close()

	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a != "--daemon" {
			args = append(args, a)
		}
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	civLog.WithField("forked_pid", cmd.Process.Pid).Info("civmgr service forked into the background")
	return nil
}
