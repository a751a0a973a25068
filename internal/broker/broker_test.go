// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package broker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/civmgr/internal/cidpool"
	"github.com/intel/civmgr/internal/guest"
	"github.com/intel/civmgr/internal/ready"
)

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	mgr := guest.NewManager(cidpool.New(), ready.NewUnbound(), t.TempDir(), t.TempDir())
	sockPath := filepath.Join(t.TempDir(), "civ.sock")
	b := New(mgr, sockPath)
	require.NoError(t, b.Listen())
	go b.Serve()
	return b, sockPath
}

func writeGuestIni(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name+".ini")
	content := strings.Join([]string{
		"[global]", "name = " + name,
		"[memory]", "size = 1024",
		"[vcpu]", "num = 1",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPingAlwaysSucceeds(t *testing.T) {
	_, sockPath := newTestBroker(t)

	reply, err := Call(sockPath, Request{Tag: TagPing})
	require.NoError(t, err)
	require.True(t, reply.OK)
}

func TestImportThenListThenGetState(t *testing.T) {
	_, sockPath := newTestBroker(t)
	path := writeGuestIni(t, "guest0")

	reply, err := Call(sockPath, Request{Tag: TagImportConfig, ConfigPath: path})
	require.NoError(t, err)
	require.True(t, reply.OK)

	reply, err = Call(sockPath, Request{Tag: TagListGuests})
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Len(t, reply.Guests, 1)
	require.Equal(t, "guest0", reply.Guests[0].Name)
	require.Equal(t, "created", reply.Guests[0].State)

	reply, err = Call(sockPath, Request{Tag: TagGetState, Name: "guest0"})
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, uint32(cidpool.Base), reply.Summary.CID)
}

func TestGetStateUnknownGuestFails(t *testing.T) {
	_, sockPath := newTestBroker(t)

	reply, err := Call(sockPath, Request{Tag: TagGetState, Name: "nope"})
	require.NoError(t, err)
	require.False(t, reply.OK)
}

func TestStopGuestUnknownFails(t *testing.T) {
	_, sockPath := newTestBroker(t)

	reply, err := Call(sockPath, Request{Tag: TagStopGuest, Name: "nope"})
	require.NoError(t, err)
	require.False(t, reply.OK)
}

func TestDeleteGuestRemovesFromListing(t *testing.T) {
	_, sockPath := newTestBroker(t)
	path := writeGuestIni(t, "guest1")

	reply, err := Call(sockPath, Request{Tag: TagImportConfig, ConfigPath: path})
	require.NoError(t, err)
	require.True(t, reply.OK)

	reply, err = Call(sockPath, Request{Tag: TagDeleteGuest, Name: "guest1"})
	require.NoError(t, err)
	require.True(t, reply.OK)

	reply, err = Call(sockPath, Request{Tag: TagListGuests})
	require.NoError(t, err)
	require.Empty(t, reply.Guests)
}

func TestDeleteGuestUnknownFails(t *testing.T) {
	_, sockPath := newTestBroker(t)

	reply, err := Call(sockPath, Request{Tag: TagDeleteGuest, Name: "nope"})
	require.NoError(t, err)
	require.False(t, reply.OK)
}

func TestStopServiceRemovesSocket(t *testing.T) {
	b, sockPath := newTestBroker(t)

	reply, err := Call(sockPath, Request{Tag: TagStopService})
	require.NoError(t, err)
	require.True(t, reply.OK)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(sockPath)
		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)

	_ = b
}
