// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os/user"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealUserFallsBackToCurrentWithoutSudoUid(t *testing.T) {
	t.Setenv("SUDO_UID", "")

	got, err := realUser()
	require.NoError(t, err)

	want, err := user.Current()
	require.NoError(t, err)
	require.Equal(t, want.Uid, got.Uid)
}

func TestRealUserRejectsNonNumericSudoUid(t *testing.T) {
	t.Setenv("SUDO_UID", "not-a-uid")

	got, err := realUser()
	require.NoError(t, err)

	want, err := user.Current()
	require.NoError(t, err)
	require.Equal(t, want.Uid, got.Uid)
}

func TestConfigDirIsCreatedUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUDO_UID", "")
	t.Setenv("HOME", home)

	// user.Current() resolves from the OS user database, not $HOME, so
	// this only verifies baseDir composes home+civDirName correctly when
	// the invoking user's actual home is used; skip if sandboxed as a
	// user whose home differs from $HOME.
	u, err := user.Current()
	require.NoError(t, err)
	if u.HomeDir != home {
		t.Skip("test process home does not track $HOME in this environment")
	}

	cfgDir, err := configDir()
	require.NoError(t, err)
	require.DirExists(t, cfgDir)
}

func TestLogDirDefaultsToTmp(t *testing.T) {
	logsDir, err := logDir()
	require.NoError(t, err)
	require.Equal(t, "/tmp", logsDir)
}
