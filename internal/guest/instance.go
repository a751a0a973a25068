// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/argbuilder"
	"github.com/intel/civmgr/internal/civerr"
	"github.com/intel/civmgr/internal/hosthw"
	"github.com/intel/civmgr/internal/ready"
	"github.com/intel/civmgr/internal/supervisor"
)

var guestLogger = logrus.WithField("subsystem", "guest")

// readyPollInterval and readyPollAttempts implement the 200 x 1s
// polling bound of spec §4.6 literally, rather than a single 200s
// timer, so that early-exit-on-main-process-death is observable every
// second.
const (
	readyPollInterval = time.Second
	readyPollAttempts = 200
)

// Instance owns everything the lifecycle engine tracks for one named
// guest: its state, its allocated CID, its main emulator process, its
// ordered co-process list, and the restore closures queued by the
// argument builder and the PCI helper.
type Instance struct {
	name string

	mu       sync.Mutex
	state    StateString
	cid      uint32
	mainProc supervisor.CoProcess
	coProcs  []supervisor.CoProcess
	endCalls []hosthw.EndCall

	logDir string

	readyMu     sync.Mutex
	readyCh     chan struct{}
	readyClosed bool
}

// newInstance constructs an Empty instance; it becomes Created only
// once a build succeeds.
func newInstance(name, logDir string) *Instance {
	return &Instance{name: name, state: StateEmpty, logDir: logDir}
}

// Name returns the instance's name.
func (i *Instance) Name() string { return i.name }

// State returns the current lifecycle state.
func (i *Instance) State() StateString {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// CID returns the instance's allocated CID, or 0 if none is held.
func (i *Instance) CID() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cid
}

// PID returns the main emulator's process ID, or 0 if not running.
func (i *Instance) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mainProc == nil {
		return 0
	}
	if p, ok := i.mainProc.(interface{ PID() int }); ok {
		return p.PID()
	}
	return 0
}

// applyBuild records a successful argument build, transitioning
// Empty -> Created. It refuses if the instance is not currently
// terminal (Empty), matching ImportConfig's "refuse overwrite if
// instance is non-terminal" rule.
func (i *Instance) applyBuild(cid uint32, main supervisor.CoProcess, coProcs []supervisor.CoProcess, endCalls []hosthw.EndCall) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateEmpty {
		return civerr.New(civerr.InstanceConflict, "instance "+i.name+" is not terminal")
	}
	i.cid = cid
	i.mainProc = main
	i.coProcs = coProcs
	i.endCalls = endCalls
	i.state = StateCreated
	return nil
}

// startVm starts every non-running co-process in declared order, then
// the main emulator, and transitions Created -> Booting. It does not
// wait for readiness; that is the supervisor goroutine's job.
func (i *Instance) startVm(env []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateCreated {
		return civerr.New(civerr.InstanceConflict, "instance "+i.name+" is not in Created state")
	}

	i.readyMu.Lock()
	i.readyCh = make(chan struct{})
	i.readyClosed = false
	i.readyMu.Unlock()

	for _, cp := range i.coProcs {
		if cp.Running() {
			continue
		}
		cp.SetEnv(env)
		if err := cp.Run(); err != nil {
			guestLogger.WithError(err).WithFields(logrus.Fields{"guest": i.name, "coproc": cp.Name()}).
				Error("co-process failed to start")
			return civerr.Wrap(civerr.ChildSpawnFailed, err, "start co-process "+cp.Name())
		}
	}

	i.mainProc.SetEnv(env)
	if err := i.mainProc.Run(); err != nil {
		guestLogger.WithError(err).WithField("guest", i.name).Error("main emulator failed to start")
		return civerr.Wrap(civerr.ChildSpawnFailed, err, "start main emulator")
	}

	i.state = StateBooting
	return nil
}

// signalReady is the one-shot "set-ready" callback registered with the
// readiness listener. It must be fast and non-blocking.
func (i *Instance) signalReady() {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	if i.readyClosed {
		return
	}
	i.readyClosed = true
	close(i.readyCh)
}

// waitVmReady polls the ready latch once per second, up to
// readyPollAttempts times, aborting early if the main process has
// died. Success transitions Booting -> Running.
func (i *Instance) waitVmReady() error {
	i.mu.Lock()
	readyCh := i.readyCh
	main := i.mainProc
	i.mu.Unlock()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < readyPollAttempts; attempt++ {
		select {
		case <-readyCh:
			i.mu.Lock()
			i.state = StateRunning
			i.mu.Unlock()
			return nil
		case <-ticker.C:
			if !main.Running() {
				return civerr.New(civerr.ChildExited, "main process exited before readiness")
			}
		}
	}
	return civerr.New(civerr.ReadinessTimeout, "guest "+i.name+" did not become ready in time")
}

// waitVmExit blocks until the main emulator's monitor goroutine has
// joined.
func (i *Instance) waitVmExit() {
	i.mu.Lock()
	main := i.mainProc
	i.mu.Unlock()
	main.Join()
}

// stopVm terminates the main emulator, terminates every co-process in
// declared order, releases the CID, and drains the end-call queue in
// FIFO order. Legal in any state; a no-op when Empty.
func (i *Instance) stopVm(cids releaser) {
	i.mu.Lock()
	if i.state == StateEmpty {
		i.mu.Unlock()
		return
	}

	main := i.mainProc
	coProcs := i.coProcs
	endCalls := i.endCalls
	cid := i.cid
	i.mu.Unlock()

	if main != nil {
		main.Stop()
	}
	for _, cp := range coProcs {
		cp.Stop()
	}
	if cid != 0 {
		cids.Release(cid)
	}
	for _, end := range endCalls {
		end()
	}

	i.mu.Lock()
	i.state = StateEmpty
	i.cid = 0
	i.mainProc = nil
	i.coProcs = nil
	i.endCalls = nil
	i.mu.Unlock()
}

// pauseVm is reserved for a future QMP-driven pause; current behavior
// is a logged no-op and is never rejected.
func (i *Instance) pauseVm() {
	guestLogger.WithField("guest", i.name).Info("pause requested, not yet implemented")
}

// releaser is the subset of cidpool.Pool that stopVm needs, kept
// narrow so instance_test.go can substitute a fake.
type releaser interface {
	Release(cid uint32) bool
}

// supervise is the dedicated per-guest goroutine: register readiness,
// wait for it (or abort), wait for exit, then tear down and report
// back to the registry. readyResult receives exactly one value: nil on
// successful readiness, or the failure that ended StartGuest's wait.
func (i *Instance) supervise(readySrv *ready.Server, cids releaser, readyResult chan<- error, onDone func()) {
	readySrv.AddPendingVM(i.cid, i.signalReady)

	err := i.waitVmReady()
	if err != nil {
		readySrv.RemovePendingVM(i.cid)
		readyResult <- err
		i.stopVm(cids)
		onDone()
		return
	}

	readyResult <- nil
	i.waitVmExit()
	i.stopVm(cids)
	onDone()
}
