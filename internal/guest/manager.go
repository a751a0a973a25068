// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guest implements the guest instance registry and lifecycle
// state machine of spec §3/§4.6: importing a configuration into a
// built argument set, starting and stopping the resulting emulator and
// its co-processes, and waiting for in-guest readiness.
package guest

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/intel/civmgr/internal/argbuilder"
	"github.com/intel/civmgr/internal/cidpool"
	"github.com/intel/civmgr/internal/civconfig"
	"github.com/intel/civmgr/internal/civerr"
	"github.com/intel/civmgr/internal/ready"
	"github.com/intel/civmgr/internal/supervisor"
)

var managerLogger = logrus.WithField("subsystem", "guest")

// Summary is the enumerable view of one registered instance, used by
// ListGuests and GetState.
type Summary struct {
	Name  string
	State StateString
	CID   uint32
	PID   int
}

// Manager is the thread-safe registry of guest instances. It is the
// sole owner of the registry; supervisor goroutines hold a borrow of
// one Instance while it runs.
type Manager struct {
	cids      *cidpool.Pool
	readySrv  *ready.Server
	configDir string
	logDir    string

	mu       sync.Mutex
	registry map[string]*Instance
}

// NewManager builds a registry bound to the given CID pool and
// readiness listener; configDir and logDir are passed through to the
// argument builder and process supervisors for every guest.
func NewManager(cids *cidpool.Pool, readySrv *ready.Server, configDir, logDir string) *Manager {
	return &Manager{
		cids:      cids,
		readySrv:  readySrv,
		configDir: configDir,
		logDir:    logDir,
		registry:  make(map[string]*Instance),
	}
}

func (m *Manager) lookup(name string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry[name]
}

func (m *Manager) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, name)
}

// ImportConfig parses and validates the INI file at path, builds its
// emulator argument set, and registers (or replaces) the instance
// named by the config's global.name. It refuses to overwrite an
// instance that is not in the Empty state.
func (m *Manager) ImportConfig(path string, env []string) error {
	cfg, err := civconfig.Load(path)
	if err != nil {
		return err
	}

	name := cfg.Name()

	m.mu.Lock()
	inst, exists := m.registry[name]
	if !exists {
		inst = newInstance(name, m.logDir)
	}
	m.mu.Unlock()

	if exists && inst.State() != StateEmpty {
		return civerr.New(civerr.InstanceConflict, "instance "+name+" is not terminal, refusing import")
	}

	result, err := argbuilder.Build(cfg, env, m.configDir, m.logDir, m.cids)
	if err != nil {
		return err
	}

	main := supervisor.NewGeneric(name, result.Command, env, m.logDir)
	if err := inst.applyBuild(result.CID, main, result.CoProcesses, result.EndCalls); err != nil {
		m.cids.Release(result.CID)
		for i := len(result.EndCalls) - 1; i >= 0; i-- {
			result.EndCalls[i]()
		}
		return err
	}

	m.mu.Lock()
	m.registry[name] = inst
	m.mu.Unlock()

	managerLogger.WithField("guest", name).Info("imported configuration")
	return nil
}

// StartGuest locates the instance, starts it, and blocks until either
// readiness arrives or the attempt is aborted (main process death or
// timeout), per spec §4.7's StartGuest row.
func (m *Manager) StartGuest(name string, env []string) error {
	inst := m.lookup(name)
	if inst == nil {
		return civerr.New(civerr.InstanceUnknown, "unknown guest "+name)
	}

	if err := inst.startVm(env); err != nil {
		return err
	}

	readyResult := make(chan error, 1)
	go inst.supervise(m.readySrv, m.cids, readyResult, func() { m.remove(name) })

	return <-readyResult
}

// StopGuest calls StopVm on the matching instance. Fails only if the
// instance is unknown.
func (m *Manager) StopGuest(name string) error {
	inst := m.lookup(name)
	if inst == nil {
		return civerr.New(civerr.InstanceUnknown, "unknown guest "+name)
	}
	inst.stopVm(m.cids)
	return nil
}

// DeleteGuest stops the instance if it is running and removes it from
// the registry entirely, distinct from StopGuest which leaves a
// never-started instance registered (and importable again) at
// StateEmpty; a started guest is removed by its supervisor goroutine
// once its emulator has exited.
func (m *Manager) DeleteGuest(name string) error {
	inst := m.lookup(name)
	if inst == nil {
		return civerr.New(civerr.InstanceUnknown, "unknown guest "+name)
	}
	inst.stopVm(m.cids)
	m.remove(name)
	return nil
}

// PauseGuest calls PauseVm on the matching instance.
func (m *Manager) PauseGuest(name string) error {
	inst := m.lookup(name)
	if inst == nil {
		return civerr.New(civerr.InstanceUnknown, "unknown guest "+name)
	}
	inst.pauseVm()
	return nil
}

// GetState reports the state tag, CID, and PID of a single instance.
func (m *Manager) GetState(name string) (Summary, error) {
	inst := m.lookup(name)
	if inst == nil {
		return Summary{}, civerr.New(civerr.InstanceUnknown, "unknown guest "+name)
	}
	return Summary{Name: inst.Name(), State: inst.State(), CID: inst.CID(), PID: inst.PID()}, nil
}

// ListGuests reports every currently registered instance.
func (m *Manager) ListGuests() []Summary {
	m.mu.Lock()
	names := make([]*Instance, 0, len(m.registry))
	for _, inst := range m.registry {
		names = append(names, inst)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(names))
	for _, inst := range names {
		out = append(out, Summary{Name: inst.Name(), State: inst.State(), CID: inst.CID(), PID: inst.PID()})
	}
	return out
}

// StopAll calls StopVm on every registered instance, in parallel, and
// waits for all of them to finish tearing down; used during orderly
// service shutdown per spec §5 ("each guest gets StopVm"). Guests are
// fully independent at teardown (separate CIDs, separate co-process
// sets), so fanning the stops out saves wall-clock time proportional to
// the number of running guests instead of summing each one's up-to-10s
// SIGTERM wait.
func (m *Manager) StopAll() {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.registry))
	for _, inst := range m.registry {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			inst.stopVm(m.cids)
			m.remove(inst.Name())
			return nil
		})
	}
	_ = g.Wait()
}
