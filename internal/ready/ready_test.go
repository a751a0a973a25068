// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ready

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/stretchr/testify/require"
)

func testAddr(cid uint32) *vsock.Addr {
	return &vsock.Addr{ContextID: cid, Port: Port}
}

// fakeConn lets the handler test run off the loopback network, which
// vsock.Listen cannot do in this environment, while still exercising
// the frame-parsing and pending-table logic against a real net.Conn
// pipe and a substituted address type.
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (f *fakeConn) RemoteAddr() net.Addr { return f.remote }

func TestHandleUnknownCidIsRejected(t *testing.T) {
	s := &Server{pending: make(map[uint32]func())}

	client, srv := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handle(&fakeConn{Conn: srv, remote: testAddr(9999)})
		close(done)
	}()

	_, err := client.Write([]byte{readyFrame})
	require.NoError(t, err)

	var resp [1]byte
	_, err = client.Read(resp[:])
	require.NoError(t, err)
	require.Equal(t, byte(0), resp[0], "unknown cid must be rejected")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return")
	}
}

func TestHandleKnownCidInvokesCallbackOnce(t *testing.T) {
	s := &Server{pending: make(map[uint32]func())}

	var mu sync.Mutex
	calls := 0
	s.AddPendingVM(42, func() {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	client, srv := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handle(&fakeConn{Conn: srv, remote: testAddr(42)})
		close(done)
	}()

	_, err := client.Write([]byte{readyFrame})
	require.NoError(t, err)

	var resp [1]byte
	_, err = client.Read(resp[:])
	require.NoError(t, err)
	require.Equal(t, byte(1), resp[0])

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)

	s.mu.Lock()
	_, stillPending := s.pending[42]
	s.mu.Unlock()
	require.False(t, stillPending, "entry must be removed after firing")
}

func TestRemovePendingVM(t *testing.T) {
	s := &Server{pending: make(map[uint32]func())}
	s.AddPendingVM(7, func() {})
	s.RemovePendingVM(7)

	s.mu.Lock()
	_, ok := s.pending[7]
	s.mu.Unlock()
	require.False(t, ok)
}
