// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package supervisor spawns, monitors, logs, and stops a single child
// process. It is the primitive shared by the main emulator process and
// every guest co-process (storage-key helper, vTPM, mediation binaries).
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/civerr"
)

var superviseLogger = logrus.WithField("subsystem", "supervisor")

// startCmd is indirected so tests can substitute a fake spawn without
// exec'ing real binaries, matching the teacher's utils.StartCmd idiom.
var startCmd = func(c *exec.Cmd) error {
	return c.Start()
}

// stopTimeout bounds how long Stop waits for the child to exit after
// SIGTERM before abandoning the wait, per spec §4.2.
const stopTimeout = 10 * time.Second

var seq int64 // disambiguates log file names for processes started at the same timestamp

// Supervisor owns one external process: command, environment, log
// destination, and the OS handle once spawned.
type Supervisor struct {
	Command string
	Env     []string
	LogDir  string

	mu      sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	running int32
}

// New builds a Supervisor for command, to be run with env appended to
// the current process environment, logging under logDir (default /tmp
// when empty).
func New(command string, env []string, logDir string) *Supervisor {
	if logDir == "" {
		logDir = "/tmp"
	}
	return &Supervisor{Command: command, Env: env, LogDir: logDir}
}

// Run spawns the child and returns once spawn success or failure has
// been observed — it does not wait for the child to exit.
func (s *Supervisor) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return civerr.New(civerr.ChildSpawnFailed, "empty command")
	}

	logPath, err := s.logPath(fields[0])
	if err != nil {
		return civerr.Wrap(civerr.ChildSpawnFailed, err, "prepare log file")
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return civerr.Wrap(civerr.ChildSpawnFailed, err, "open log file")
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	superviseLogger.WithFields(logrus.Fields{
		"cmd": s.Command,
		"log": logPath,
	}).Debug("spawning child")

	if err := startCmd(cmd); err != nil {
		logFile.Close()
		superviseLogger.WithError(err).WithField("cmd", s.Command).Error("spawn failed")
		return civerr.Wrap(civerr.ChildSpawnFailed, err, "start command")
	}

	s.cmd = cmd
	s.logFile = logFile
	s.exited = make(chan struct{})
	atomic.StoreInt32(&s.running, 1)

	go s.monitor()

	return nil
}

func (s *Supervisor) monitor() {
	err := s.cmd.Wait()
	atomic.StoreInt32(&s.running, 0)
	if err != nil {
		superviseLogger.WithError(err).WithField("cmd", s.Command).Warn("child exited abnormally")
	} else {
		superviseLogger.WithField("cmd", s.Command).Info("child exited")
	}
	s.logFile.Close()
	close(s.exited)
}

func (s *Supervisor) logPath(executable string) (string, error) {
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return "", err
	}
	n := atomic.AddInt64(&seq, 1)
	name := fmt.Sprintf("%s_%d_%d_out.log", filepath.Base(executable), time.Now().UnixNano(), n)
	return filepath.Join(s.LogDir, name), nil
}

// SetEnv replaces the environment appended to the child on the next
// Run. It has no effect on an already-running child.
func (s *Supervisor) SetEnv(env []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Env = env
}

// Running reports whether the child handle is currently alive.
func (s *Supervisor) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Stop sends SIGTERM, waits up to stopTimeout for exit, then abandons
// the wait. Stop is never fatal: a child that ignores SIGTERM leaves a
// leaked handle and a logged warning, per spec §4.2.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || !s.Running() {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		superviseLogger.WithError(err).WithField("cmd", s.Command).Warn("failed to signal child")
		return
	}

	select {
	case <-exited:
	case <-time.After(stopTimeout):
		superviseLogger.WithField("cmd", s.Command).Warn("child did not exit within timeout, abandoning wait")
	}
}

// Join blocks until the child has exited. It is a no-op if the child
// was never started.
func (s *Supervisor) Join() {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return
	}
	<-exited
}

// PID returns the child's process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
