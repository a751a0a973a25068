// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ready implements the host-side readiness listener: a
// long-lived server on a well-known vsock port that receives one "VM
// ready" signal from inside each guest and unblocks the corresponding
// start operation, per spec §4.5.
package ready

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/civerr"
)

var readyLogger = logrus.WithField("subsystem", "ready")

// Port is the well-known vsock port the guest agent calls back on.
const Port = 9400

// readyFrame is the single fixed byte sent by the guest agent to
// signal readiness; there is no request payload beyond the connection
// itself.
const readyFrame = 0x01

// Server accepts VmReady connections and maps each guest's peer CID to
// a one-shot callback registered ahead of time by StartVm.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	pending map[uint32]func()
}

// Listen binds the readiness server to the vsock port.
func Listen() (*Server, error) {
	l, err := vsock.Listen(Port, nil)
	if err != nil {
		return nil, civerr.Wrap(civerr.HostOpFailed, err, "listen on vsock port")
	}
	return &Server{listener: l, pending: make(map[uint32]func())}, nil
}

// NewUnbound builds a Server with no listener, for embedding in tests
// (or alternate transports) that drive AddPendingVM/RemovePendingVM
// directly without ever calling Serve.
func NewUnbound() *Server {
	return &Server{pending: make(map[uint32]func())}
}

// AddPendingVM registers cb to be invoked the first time CID cid calls
// VmReady. An entry must be added before the corresponding emulator is
// spawned.
func (s *Server) AddPendingVM(cid uint32, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[cid] = cb
}

// RemovePendingVM removes cid's pending entry, e.g. on readiness
// timeout.
func (s *Server) RemovePendingVM(cid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, cid)
}

// Serve accepts connections until the listener is closed. Each
// connection is handled on its own goroutine for the single VmReady
// frame; the callback, by contract, must be fast and non-blocking.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			readyLogger.WithError(err).Info("readiness listener stopped accepting")
			return
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var buf [1]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		readyLogger.WithError(err).Warn("failed to read VmReady frame")
		return
	}
	if buf[0] != readyFrame {
		readyLogger.Warn("unexpected VmReady frame byte")
		writeStatus(conn, false)
		return
	}

	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		readyLogger.Warn("VmReady connection did not carry a vsock peer address")
		writeStatus(conn, false)
		return
	}
	cid := addr.ContextID

	s.mu.Lock()
	cb, found := s.pending[cid]
	if found {
		delete(s.pending, cid)
	}
	s.mu.Unlock()

	if !found {
		readyLogger.WithField("cid", cid).Error("VmReady from unknown cid")
		writeStatus(conn, false)
		return
	}

	cb()
	writeStatus(conn, true)
}

func writeStatus(conn net.Conn, ok bool) {
	var b [1]byte
	if ok {
		b[0] = 1
	}
	binary.Write(conn, binary.BigEndian, b[0]) //nolint:errcheck // best-effort ack
}
