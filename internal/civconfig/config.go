// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package civconfig reads and validates the per-guest INI configuration
// file and serves section/key lookups to the rest of the engine.
package civconfig

import (
	"os"

	"github.com/go-ini/ini"
	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/civerr"
)

var configLogger = logrus.WithField("subsystem", "civconfig")

// Config is a validated two-level section->key->value mapping loaded
// from an INI file.
type Config struct {
	data map[string]map[string]string
}

// Load reads path, parses it as INI, and validates every section and
// key against the fixed schema. Unknown sections or keys are rejected.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, civerr.Wrap(civerr.ConfigIO, err, "stat config file")
	}
	if !info.Mode().IsRegular() {
		return nil, civerr.New(civerr.ConfigIO, "config path is not a regular file: "+path)
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: false}, path)
	if err != nil {
		return nil, civerr.Wrap(civerr.ConfigIO, err, "parse ini file")
	}

	data := make(map[string]map[string]string)
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}

		allowedKeys, ok := schema[name]
		if !ok {
			return nil, civerr.New(civerr.ConfigInvalid, "unknown section: "+name)
		}

		values := make(map[string]string)
		for _, key := range sec.Keys() {
			if !allowedKeys[key.Name()] {
				return nil, civerr.New(civerr.ConfigInvalid, "unknown key: "+name+"."+key.Name())
			}
			values[key.Name()] = key.Value()
		}
		data[name] = values
	}

	if _, ok := data["global"]; !ok || data["global"]["name"] == "" {
		return nil, civerr.New(civerr.ConfigInvalid, "missing required global.name")
	}

	if err := validateEnums(data); err != nil {
		return nil, err
	}

	configLogger.WithField("path", path).Debug("config loaded")
	return &Config{data: data}, nil
}

func validateEnums(data map[string]map[string]string) error {
	if t := data["emulator"]["type"]; t != "" && t != EmulatorTypeQEMU {
		return civerr.New(civerr.ConfigInvalid, "emulator.type must be QEMU, got "+t)
	}
	if t := data["firmware"]["type"]; t != "" && t != FirmwareUnified && t != FirmwareSplited {
		return civerr.New(civerr.ConfigInvalid, "firmware.type must be unified or splited, got "+t)
	}
	if t := data["graphics"]["type"]; t != "" {
		switch t {
		case GraphicsHeadless, GraphicsVirtio, GraphicsRamfb, GraphicsGVTg, GraphicsGVTd, GraphicsVirtio2D, GraphicsSRIOV:
		default:
			return civerr.New(civerr.ConfigInvalid, "graphics.type out of enum set: "+t)
		}
		if t == GraphicsGVTg && data["graphics"]["vgpu_uuid"] == "" {
			return civerr.New(civerr.ConfigInvalid, "graphics.type GVT-g requires graphics.vgpu_uuid")
		}
	}
	if s := data["aaf"]["support_suspend"]; s != "" && s != SuspendEnable && s != SuspendDisable {
		return civerr.New(civerr.ConfigInvalid, "aaf.support_suspend must be enable or disable, got "+s)
	}
	return nil
}

// Get returns the value at section.key, or "" if either is absent. A
// missing key is never an error — only unknown keys at load time are.
func (c *Config) Get(section, key string) string {
	if c == nil {
		return ""
	}
	sec, ok := c.data[section]
	if !ok {
		return ""
	}
	return sec[key]
}

// Name returns global.name, the guest's identifying name.
func (c *Config) Name() string {
	return c.Get("global", "name")
}
