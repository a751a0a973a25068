// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package civconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/civmgr/internal/civerr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalAccepted(t *testing.T) {
	path := writeConfig(t, "[global]\nname = X\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "X", cfg.Name())
	require.Equal(t, "", cfg.Get("memory", "size"), "missing key returns empty string, not error")
}

func TestLoadUnknownSectionRejected(t *testing.T) {
	path := writeConfig(t, "[global]\nname = X\n[bogus]\nkey = 1\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigInvalid))
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "[global]\nname = X\nbogus_key = 1\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigInvalid))
}

func TestLoadMissingFirmwareTypeStillAccepted(t *testing.T) {
	// firmware.type is optional at the schema level; the argument
	// builder, not the config store, enforces that it is required
	// before building args.
	path := writeConfig(t, "[global]\nname = X\n")
	_, err := Load(path)
	require.NoError(t, err)
}

func TestGvtgRequiresUuid(t *testing.T) {
	path := writeConfig(t, "[global]\nname = X\n[graphics]\ntype = GVT-g\n")
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigInvalid))
}

func TestLoadMissingFileIsConfigIO(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigIO))
}

func TestLoadRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigIO))
}
