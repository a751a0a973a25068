// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package argbuilder

import (
	"path/filepath"

	"github.com/go-ini/ini"

	"github.com/intel/civmgr/internal/civerr"
)

const aafFileName = "aaf.ini"

// aafSettings accumulates runtime configuration delivered to the guest
// agent over the 9p-shared AAF directory: suspend policy, audio type,
// and the GPU type chosen by the argument builder. It is serialized to
// disk only when Flush is called, at the end of a successful build.
type aafSettings struct {
	dir    string
	values map[string]string
}

func newAAFSettings(dir string) *aafSettings {
	return &aafSettings{dir: dir, values: make(map[string]string)}
}

// Set records a key/value pair to be written at Flush.
func (a *aafSettings) Set(key, value string) {
	if value == "" {
		return
	}
	a.values[key] = value
}

// Flush writes the accumulated settings as an INI file under the
// shared AAF directory.
func (a *aafSettings) Flush() error {
	f := ini.Empty()
	sec, err := f.NewSection("aaf")
	if err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "create aaf section")
	}
	for k, v := range a.values {
		if _, err := sec.NewKey(k, v); err != nil {
			return civerr.Wrap(civerr.HostOpFailed, err, "write aaf key "+k)
		}
	}
	if err := f.SaveTo(filepath.Join(a.dir, aafFileName)); err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "flush aaf settings")
	}
	return nil
}
