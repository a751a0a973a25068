// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package civconfig

// schema enumerates the permitted sections and keys of a guest config
// file. Any section or key outside this set is rejected at load time.
var schema = map[string]map[string]bool{
	"global":        set("name", "flashfiles", "adb_port", "fastboot_port", "vsock_cid"),
	"emulator":      set("type", "path"),
	"memory":        set("size"),
	"vcpu":          set("num"),
	"firmware":      set("type", "path", "code", "vars"),
	"disk":          set("size", "path"),
	"graphics":      set("type", "gvtg_version", "vgpu_uuid"),
	"vtpm":          set("bin_path", "data_dir"),
	"rpmb":          set("bin_path", "data_dir"),
	"aaf":           set("path", "support_suspend"),
	"passthrough":   set("passthrough_pci"),
	"mediation":     set("battery_med", "thermal_med"),
	"guest_control": set("time_keep", "pm_control"),
	"extra":         set("cmd", "service"),
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Enumerated value sets referenced by the argument builder.
const (
	EmulatorTypeQEMU = "QEMU"

	FirmwareUnified = "unified"
	FirmwareSplited = "splited"

	GraphicsHeadless = "headless"
	GraphicsVirtio   = "virtio"
	GraphicsRamfb    = "ramfb"
	GraphicsGVTg     = "GVT-g"
	GraphicsGVTd     = "GVT-d"
	GraphicsVirtio2D = "virtio2d"
	GraphicsSRIOV    = "sriov"

	SuspendEnable  = "enable"
	SuspendDisable = "disable"
)
