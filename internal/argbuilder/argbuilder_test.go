// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package argbuilder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/civmgr/internal/cidpool"
	"github.com/intel/civmgr/internal/civconfig"
)

func writeGuestConfig(t *testing.T, content string) *civconfig.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "g.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := civconfig.Load(path)
	require.NoError(t, err)
	return cfg
}

func minimalConfig(t *testing.T) *civconfig.Config {
	return writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0",
		"[memory]", "size = 2048",
		"[vcpu]", "num = 2",
		"[firmware]", "type = unified", "path = /firmware/code.fd",
		"[disk]", "path = /disk/guest0.img",
	}, "\n")+"\n")
}

func TestBuildMinimalConfigAllocatesCID(t *testing.T) {
	cfg := minimalConfig(t)
	pool := cidpool.New()

	result, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.NoError(t, err)
	require.Equal(t, cidpool.Base, result.CID)
	require.Contains(t, result.Command, "-name guest0")
	require.Contains(t, result.Command, "-m 2048")
	require.Contains(t, result.Command, "-smp 2")
	require.Contains(t, result.Command, "guest-cid=1024")
	require.True(t, strings.HasSuffix(strings.TrimSpace(result.Command), "-nodefaults"),
		"-nodefaults must be the final flag")
}

func TestBuildMissingFirmwareTypeFails(t *testing.T) {
	cfg := writeGuestConfig(t, "[global]\nname = guest0\n[memory]\nsize = 1024\n[vcpu]\nnum = 1\n[disk]\npath = /d.img\n")
	pool := cidpool.New()

	_, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.Error(t, err)
}

func TestBuildReleasesCIDOnLaterFailure(t *testing.T) {
	// memory.size is required after the vsock step acquires a CID;
	// omitting it must fail the build and release the CID it took.
	cfg := writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0",
		"[vcpu]", "num = 2",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
	}, "\n")+"\n")
	pool := cidpool.New()

	_, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.Error(t, err)

	cid, ok := pool.Acquire()
	require.True(t, ok)
	require.Equal(t, cidpool.Base, cid, "CID taken during the failed build must have been released")
}

func TestBuildSpecificVsockCidConflict(t *testing.T) {
	cfg := writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0", "vsock_cid = 1024",
		"[memory]", "size = 2048",
		"[vcpu]", "num = 2",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
	}, "\n")+"\n")

	pool := cidpool.New()
	require.True(t, pool.AcquireSpecific(1024))

	_, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.Error(t, err, "cid 1024 is already held, build must fail")
}

func TestBuildHonorsRequestedVsockCid(t *testing.T) {
	cfg := writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0", "vsock_cid = 2000",
		"[memory]", "size = 2048",
		"[vcpu]", "num = 2",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
	}, "\n")+"\n")

	pool := cidpool.New()
	result, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.NoError(t, err)
	require.Equal(t, uint32(2000), result.CID)
}

func TestFastbootHostfwdTargetsPort5554(t *testing.T) {
	cfg := writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0", "fastboot_port = 5014",
		"[memory]", "size = 1024",
		"[vcpu]", "num = 1",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
	}, "\n")+"\n")

	pool := cidpool.New()
	result, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.NoError(t, err)
	require.Contains(t, result.Command, "hostfwd=tcp::5014-:5554")
}

func TestRpmbBlockRegistersCoProcess(t *testing.T) {
	dataDir := t.TempDir()
	cfg := writeGuestConfig(t, strings.Join([]string{
		"[global]", "name = guest0",
		"[memory]", "size = 1024",
		"[vcpu]", "num = 1",
		"[firmware]", "type = unified", "path = /fw",
		"[disk]", "path = /d.img",
		"[rpmb]", "bin_path = /usr/bin/rpmb_dev", "data_dir = " + dataDir,
	}, "\n")+"\n")

	pool := cidpool.New()
	result, err := Build(cfg, nil, t.TempDir(), t.TempDir(), pool)
	require.NoError(t, err)
	require.Len(t, result.CoProcesses, 1)
	require.Equal(t, "rpmb", result.CoProcesses[0].Name())
}
