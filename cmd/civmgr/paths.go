// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// civDirName is the per-user directory, relative to the real user's
// home, under which civmgr's config directory is created.
const civDirName = ".intel/.civ"

// realUser resolves the invoking user even when civmgr itself is
// running as root under sudo: SUDO_UID/SUDO_GID, when set, name the
// real user so the config directory lands in their home rather than
// root's, the same "who actually asked for this" distinction the
// runtime draws when it resolves a container's OCI process user.
func realUser() (*user.User, error) {
	if uidStr := os.Getenv("SUDO_UID"); uidStr != "" {
		if _, err := strconv.Atoi(uidStr); err == nil {
			if u, err := user.LookupId(uidStr); err == nil {
				return u, nil
			}
		}
	}
	return user.Current()
}

// baseDir returns <home>/.intel/.civ for the real invoking user,
// creating it (and its parents) if necessary.
func baseDir() (string, error) {
	u, err := realUser()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(u.HomeDir, civDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// configDir is the per-user directory handed to guest.NewManager; the
// argument builder places each guest's QMP socket there. Imported
// config files are read from the path given on import and are not
// copied into this directory.
func configDir() (string, error) {
	base, err := baseDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "configs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// logDir is the co-process log directory, /tmp by default per the
// external interface contract. There is no override flag yet, so this
// is the only value wired into guest.NewManager today; when one is
// added it should thread through here rather than default to a
// per-user directory on its own.
func logDir() (string, error) {
	return "/tmp", nil
}
