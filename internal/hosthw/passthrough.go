// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hosthw rebinds host PCI devices to and from the VFIO
// passthrough driver, provisions hugepages, selects SR-IOV virtual
// functions, and works around the SOF audio/i915 conflict. Passthrough
// attach (AttachWithRestore) and the audio workaround return a matching
// restore closure for the caller to enqueue; hugepage provisioning,
// SR-IOV VF selection and module loading are not undone.
package hosthw

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/civerr"
)

var pciLogger = logrus.WithField("subsystem", "hosthw")

const (
	sysBusPCIDevices = "/sys/bus/pci/devices"
	vfioNewID        = "/sys/bus/pci/drivers/vfio-pci/new_id"
	vfioRemoveID     = "/sys/bus/pci/drivers/vfio-pci/remove_id"
	vfioUnbind       = "/sys/bus/pci/drivers/vfio-pci/unbind"
	pciDriversProbe  = "/sys/bus/pci/drivers_probe"

	unbindPollInterval = time.Millisecond
	unbindPollAttempts = 2000
)

// Action selects the direction of a passthrough rebind.
type Action int

const (
	// Attach rebinds devices in the IOMMU group to vfio-pci.
	Attach Action = iota
	// Restore rebinds devices back to their native driver.
	Restore
)

// EndCall is a zero-argument cleanup closure enqueued by a successful
// host mutation and drained, in FIFO order, at guest teardown. Each
// closure must be idempotent because a restart may re-enqueue it.
type EndCall func()

func writeSysFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o200)
}

func readSysHex(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(trimHexPrefix(strings.TrimSpace(string(b))), 16, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func trimHexPrefix(s string) string {
	return strings.TrimPrefix(s, "0x")
}

func isVfioDriver(driverLink string) bool {
	target, err := os.Readlink(driverLink)
	if err != nil {
		return false
	}
	return filepath.Base(target) == "vfio-pci"
}

// PassthroughOneDevice rebinds every device in bdf's IOMMU group,
// either to vfio-pci (Attach) or back to its native driver (Restore),
// per spec §4.3.
func PassthroughOneDevice(bdf string, action Action) error {
	groupDevices := filepath.Join(sysBusPCIDevices, bdf, "iommu_group", "devices")

	entries, err := os.ReadDir(groupDevices)
	if err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "read iommu group devices for "+bdf)
	}

	for _, entry := range entries {
		devPath := filepath.Join(groupDevices, entry.Name())
		driverLink := filepath.Join(devPath, "driver")

		if action == Restore {
			if isVfioDriver(driverLink) {
				venDev, idErr := venDevID(devPath)
				if idErr == nil {
					_ = writeSysFile(vfioRemoveID, venDev)
				}
				_ = writeSysFile(vfioUnbind, entry.Name())
			}
			time.Sleep(time.Second)
			if err := writeSysFile(pciDriversProbe, entry.Name()); err != nil {
				return civerr.Wrap(civerr.HostOpFailed, err, "re-probe driver for "+entry.Name())
			}
			continue
		}

		if err := unbindCurrentDriver(driverLink, entry.Name()); err != nil {
			return err
		}

		venDev, err := venDevID(devPath)
		if err != nil {
			return civerr.Wrap(civerr.HostOpFailed, err, "read vendor/device id for "+entry.Name())
		}

		if err := newIDWithRetry(venDev); err != nil {
			return err
		}
	}

	return nil
}

func venDevID(devPath string) (string, error) {
	vendor, err := readSysHex(filepath.Join(devPath, "vendor"))
	if err != nil {
		return "", err
	}
	device, err := readSysHex(filepath.Join(devPath, "device"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x %x", vendor, device), nil
}

func unbindCurrentDriver(driverLink, name string) error {
	if _, err := os.Lstat(driverLink); err != nil {
		// no current driver bound; nothing to unbind
		return nil
	}

	if isVfioDriver(driverLink) {
		if venDev, err := venDevID(filepath.Dir(driverLink)); err == nil {
			_ = writeSysFile(vfioRemoveID, venDev)
		}
	}

	if err := writeSysFile(filepath.Join(driverLink, "unbind"), name); err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "unbind "+name)
	}

	for i := 0; i < unbindPollAttempts; i++ {
		if _, err := os.Lstat(driverLink); err != nil {
			return nil
		}
		time.Sleep(unbindPollInterval)
	}
	return civerr.New(civerr.HostOpFailed, "timed out waiting for "+name+" to unbind")
}

func newIDWithRetry(venDev string) error {
	err := writeSysFile(vfioNewID, venDev)
	if err == nil {
		return nil
	}
	if os.IsExist(err) {
		_ = writeSysFile(vfioRemoveID, venDev)
		if err := writeSysFile(vfioNewID, venDev); err != nil {
			return civerr.Wrap(civerr.HostOpFailed, err, "new_id retry after remove_id")
		}
		return nil
	}
	return civerr.Wrap(civerr.HostOpFailed, err, "write new_id")
}

// LoadVFIOModules runs modprobe for the vfio and vfio-pci kernel
// modules, required before any passthrough attach.
func LoadVFIOModules() error {
	for _, mod := range []string{"vfio", "vfio-pci"} {
		if out, err := exec.Command("modprobe", mod).CombinedOutput(); err != nil {
			pciLogger.WithError(err).WithField("output", string(out)).Error("modprobe failed")
			return civerr.Wrap(civerr.HostOpFailed, err, "modprobe "+mod)
		}
	}
	return nil
}

// AttachWithRestore attaches bdf and, on success, returns an EndCall
// that restores it. Callers append the EndCall to the guest's end-call
// queue so it is drained (in FIFO order) at StopVm.
func AttachWithRestore(bdf string) (EndCall, error) {
	if err := PassthroughOneDevice(bdf, Attach); err != nil {
		return nil, err
	}
	return func() {
		if err := PassthroughOneDevice(bdf, Restore); err != nil {
			pciLogger.WithError(err).WithField("bdf", bdf).Warn("failed to restore passthrough device")
		}
	}, nil
}
