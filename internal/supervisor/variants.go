// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/intel/civmgr/internal/civerr"
)

// CoProcess is the common contract StartVm/StopVm drive for every
// co-process attached to a guest, regardless of variant.
type CoProcess interface {
	Run() error
	Stop()
	Join()
	Running() bool
	Name() string
	SetEnv(env []string)
}

// Generic runs exactly the given command string; used for mediation
// binaries, guest-control helpers, and the extra-services list.
type Generic struct {
	*Supervisor
	name string
}

// NewGeneric builds a Generic co-process.
func NewGeneric(name, command string, env []string, logDir string) *Generic {
	return &Generic{Supervisor: New(command, env, logDir), name: name}
}

// Name returns the configured name of this co-process.
func (g *Generic) Name() string { return g.name }

const (
	rpmbDataFile = "RPMB_DATA"
	rpmbSockFile = "rpmb_sock"
)

// StorageKey runs the rpmb_dev daemon that emulates a replay-protected
// memory block over a Unix socket.
type StorageKey struct {
	*Supervisor
	bin     string
	dataDir string
}

// NewStorageKey builds the rpmb co-process for the given binary and
// data directory.
func NewStorageKey(bin, dataDir string, env []string, logDir string) *StorageKey {
	return &StorageKey{
		Supervisor: New(fmt.Sprintf("%s --dev %s --sock %s", bin, dataFile(dataDir), sockFile(dataDir)), env, logDir),
		bin:        bin,
		dataDir:    dataDir,
	}
}

func dataFile(dataDir string) string { return filepath.Join(dataDir, rpmbDataFile) }
func sockFile(dataDir string) string { return filepath.Join(dataDir, rpmbSockFile) }

// Name identifies this co-process.
func (s *StorageKey) Name() string { return "rpmb" }

// Run initializes the RPMB data file on first use, then starts the
// daemon. Initialization failure is logged but never aborts the guest
// start, per spec §4.2 and §9 ("ignores the exit code of the size-init
// run... treats it as best-effort").
func (s *StorageKey) Run() error {
	if _, err := os.Stat(dataFile(s.dataDir)); os.IsNotExist(err) {
		init := New(fmt.Sprintf("%s --dev %s --init --size 2048", s.bin, dataFile(s.dataDir)), nil, s.Supervisor.LogDir)
		if err := init.Run(); err != nil {
			superviseLogger.WithError(err).Warn("rpmb data init spawn failed, continuing")
		} else {
			init.Join()
		}
	}
	return s.Supervisor.Run()
}

// Stop stops the daemon and removes the socket file it leaves behind —
// rpmb_dev does not clean up its own socket on exit.
func (s *StorageKey) Stop() {
	s.Supervisor.Stop()
	if _, err := os.Stat(sockFile(s.dataDir)); err == nil {
		if rmErr := os.Remove(sockFile(s.dataDir)); rmErr != nil {
			superviseLogger.WithError(rmErr).Warn("failed to remove rpmb socket")
		}
	}
}

const vtpmSockFile = "swtpm-sock"

// VirtualTPM runs swtpm presenting a TPM 2.0 interface over a Unix
// socket.
type VirtualTPM struct {
	*Supervisor
	dataDir string
}

// NewVirtualTPM builds the swtpm co-process. Refuses to start if
// dataDir does not exist, matching spec §4.2.
func NewVirtualTPM(bin, dataDir string, env []string, logDir string) (*VirtualTPM, error) {
	if _, err := os.Stat(dataDir); err != nil {
		return nil, civerr.Wrap(civerr.ChildSpawnFailed, err, "vtpm data dir must exist")
	}
	cmd := fmt.Sprintf("%s socket --tpmstate dir=%s --tpm2 --ctrl type=unixio,path=%s",
		bin, dataDir, filepath.Join(dataDir, vtpmSockFile))
	return &VirtualTPM{Supervisor: New(cmd, env, logDir), dataDir: dataDir}, nil
}

// Name identifies this co-process.
func (v *VirtualTPM) Name() string { return "vtpm" }
