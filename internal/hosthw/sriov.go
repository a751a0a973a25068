// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hosthw

import (
	"fmt"
	"strconv"

	"github.com/intel/civmgr/internal/civerr"
)

const (
	// MaxSRIOVFunctions caps the number of virtual functions exposed,
	// to conserve host memory, per spec §4.3.
	MaxSRIOVFunctions = 4

	gpuSriovTotalVFsPath  = "/sys/bus/pci/devices/0000:00:02.0/sriov_totalvfs"
	gpuSriovAutoProbePath = "/sys/bus/pci/devices/0000:00:02.0/sriov_drivers_autoprobe"
	drmCard0NumVFsPath    = "/sys/class/drm/card0/device/sriov_numvfs"
	gpuDevicePathFmt      = "/sys/bus/pci/devices/0000:00:02.%d/enable"
)

// SelectVF caps the GPU's total VF count to MaxSRIOVFunctions, then
// returns the index of the first disabled VF, per spec §4.3.
func SelectVF() (int, error) {
	total, err := readSysInt(gpuSriovTotalVFsPath)
	if err != nil {
		return 0, civerr.Wrap(civerr.HostOpFailed, err, "read sriov_totalvfs")
	}
	if total <= 0 {
		return 0, civerr.New(civerr.ResourceExhausted, "no SR-IOV VFs available")
	}

	if total > MaxSRIOVFunctions {
		total = MaxSRIOVFunctions
		if err := writeSysFile(gpuSriovAutoProbePath, "0"); err != nil {
			return 0, civerr.Wrap(civerr.HostOpFailed, err, "disable sriov autoprobe")
		}
		if err := writeSysFile(drmCard0NumVFsPath, strconv.Itoa(total)); err != nil {
			return 0, civerr.Wrap(civerr.HostOpFailed, err, "write sriov_numvfs")
		}
		if err := writeSysFile(gpuSriovAutoProbePath, "1"); err != nil {
			return 0, civerr.Wrap(civerr.HostOpFailed, err, "enable sriov autoprobe")
		}
	}

	for i := 0; i < total; i++ {
		status, err := readSysInt(fmt.Sprintf(gpuDevicePathFmt, i))
		if err != nil {
			continue
		}
		if status == 0 {
			return i, nil
		}
	}

	return 0, civerr.New(civerr.ResourceExhausted, "no free SR-IOV VF found")
}
