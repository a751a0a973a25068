// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package broker implements the service broker of spec §4.7: the
// single long-lived listener that accepts client requests and
// dispatches them against the guest instance registry, one request in
// flight at a time.
package broker

import (
	"encoding/gob"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/civerr"
	"github.com/intel/civmgr/internal/guest"
)

var brokerLogger = logrus.WithField("subsystem", "broker")

// DefaultSocketPath is the well-known mailbox path, the Unix-socket
// substitute for spec §6's `CivServerShm` shared-memory region name.
const DefaultSocketPath = "/tmp/civ_server.sock"

// Broker owns the mailbox listener and the guest registry it dispatches
// against. Exactly one request is processed at a time, mirroring the
// "single in-flight request" mailbox invariant of spec §3.
type Broker struct {
	mgr      *guest.Manager
	sockPath string

	listener net.Listener

	// reqMu serializes decode-dispatch-encode-reply so that,
	// as in the original shared-memory mailbox, only one request is
	// ever in flight.
	reqMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Broker bound to mgr, listening at sockPath.
func New(mgr *guest.Manager, sockPath string) *Broker {
	if sockPath == "" {
		sockPath = DefaultSocketPath
	}
	return &Broker{mgr: mgr, sockPath: sockPath, stopCh: make(chan struct{})}
}

// Listen binds the mailbox socket, removing any stale socket file left
// behind by an unclean previous shutdown.
func (b *Broker) Listen() error {
	if _, err := os.Stat(b.sockPath); err == nil {
		if rmErr := os.Remove(b.sockPath); rmErr != nil {
			return civerr.Wrap(civerr.HostOpFailed, rmErr, "remove stale mailbox socket")
		}
	}

	l, err := net.Listen("unix", b.sockPath)
	if err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "listen on mailbox socket")
	}
	b.listener = l
	return nil
}

// Serve accepts connections until Stop is called. Each connection
// carries exactly one request/reply exchange, matching the CLI
// client's one-shot-connection usage pattern.
func (b *Broker) Serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				brokerLogger.Info("mailbox listener closed, stopping accept loop")
			default:
				brokerLogger.WithError(err).Warn("mailbox accept failed")
			}
			return
		}
		b.handle(conn)
	}
}

func (b *Broker) handle(conn net.Conn) {
	defer conn.Close()

	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	var req Request
	if err := gob.NewDecoder(conn).Decode(&req); err != nil {
		brokerLogger.WithError(err).Warn("failed to decode mailbox request")
		return
	}

	reply := b.dispatch(req)

	if err := gob.NewEncoder(conn).Encode(reply); err != nil {
		brokerLogger.WithError(err).Warn("failed to encode mailbox reply")
	}
}

func (b *Broker) dispatch(req Request) Reply {
	switch req.Tag {
	case TagPing:
		return Reply{OK: true}

	case TagStopService:
		go b.Stop()
		return Reply{OK: true}

	case TagListGuests:
		var guests []GuestSummary
		for _, s := range b.mgr.ListGuests() {
			guests = append(guests, GuestSummary{Name: s.Name, State: string(s.State), CID: s.CID, PID: s.PID})
		}
		return Reply{OK: true, Guests: guests}

	case TagImportConfig:
		if err := b.mgr.ImportConfig(req.ConfigPath, req.Env); err != nil {
			brokerLogger.WithError(err).WithField("path", req.ConfigPath).Error("import failed")
			return Reply{OK: false}
		}
		return Reply{OK: true}

	case TagStartGuest:
		if err := b.mgr.StartGuest(req.Name, req.Env); err != nil {
			brokerLogger.WithError(err).WithField("guest", req.Name).Error("start failed")
			return Reply{OK: false}
		}
		return Reply{OK: true}

	case TagStopGuest:
		if err := b.mgr.StopGuest(req.Name); err != nil {
			brokerLogger.WithError(err).WithField("guest", req.Name).Error("stop failed")
			return Reply{OK: false}
		}
		return Reply{OK: true}

	case TagDeleteGuest:
		if err := b.mgr.DeleteGuest(req.Name); err != nil {
			brokerLogger.WithError(err).WithField("guest", req.Name).Error("delete failed")
			return Reply{OK: false}
		}
		return Reply{OK: true}

	case TagGetState:
		s, err := b.mgr.GetState(req.Name)
		if err != nil {
			brokerLogger.WithError(err).WithField("guest", req.Name).Error("get-state failed")
			return Reply{OK: false}
		}
		return Reply{OK: true, Summary: GuestSummary{Name: s.Name, State: string(s.State), CID: s.CID, PID: s.PID}}

	default:
		brokerLogger.WithField("tag", req.Tag).Error("unknown request tag")
		return Reply{OK: false}
	}
}

// Stop performs an orderly shutdown: every running guest is stopped,
// the listener is closed, and the mailbox socket file is removed.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mgr.StopAll()
		if b.listener != nil {
			b.listener.Close()
		}
		if err := os.Remove(b.sockPath); err != nil && !os.IsNotExist(err) {
			brokerLogger.WithError(err).Warn("failed to remove mailbox socket on shutdown")
		}
	})
}
