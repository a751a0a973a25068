// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStopRealSleep(t *testing.T) {
	dir := t.TempDir()
	s := New("sleep 30", nil, dir)
	require.NoError(t, s.Run())
	require.True(t, s.Running())

	s.Stop()
	require.False(t, s.Running())
}

func TestRunSpawnFailureReported(t *testing.T) {
	orig := startCmd
	startCmd = func(c *exec.Cmd) error { return exec.ErrNotFound }
	defer func() { startCmd = orig }()

	s := New("does-not-exist", nil, t.TempDir())
	err := s.Run()
	require.Error(t, err)
}

func TestStopOnNeverStartedIsNoop(t *testing.T) {
	s := New("sleep 1", nil, t.TempDir())
	require.NotPanics(t, func() { s.Stop() })
}

func TestJoinWaitsForExit(t *testing.T) {
	s := New("sleep 1", nil, t.TempDir())
	require.NoError(t, s.Run())

	done := make(chan struct{})
	go func() {
		s.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after child exit")
	}
	require.False(t, s.Running())
}

func TestEmptyCommandFails(t *testing.T) {
	s := New("", nil, t.TempDir())
	require.Error(t, s.Run())
}
