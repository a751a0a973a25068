// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package argbuilder

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/intel/civmgr/internal/civconfig"
	"github.com/intel/civmgr/internal/civerr"
	"github.com/intel/civmgr/internal/hosthw"
)

const intelGPUBDF = "0000:00:02.0"

// gpuHandler builds the flags for one graphics.type value and records
// the AAF gpu-type tag when applicable. It returns the flags to append;
// any EndCall it needs is appended directly to b.endCalls.
type gpuHandler func(b *builder) ([]string, error)

var gpuHandlers = map[string]gpuHandler{
	civconfig.GraphicsGVTg:     gvtg,
	civconfig.GraphicsGVTd:     gvtd,
	civconfig.GraphicsVirtio:   virtioGPU,
	civconfig.GraphicsRamfb:    ramfb,
	civconfig.GraphicsVirtio2D: virtio2D,
	civconfig.GraphicsSRIOV:    sriovGPU,
}

func gvtg(b *builder) ([]string, error) {
	uuidStr := b.cfg.Get("graphics", "vgpu_uuid")
	if uuidStr == "" {
		return nil, civerr.New(civerr.ConfigInvalid, "GVT-g requires graphics.vgpu_uuid")
	}
	if _, err := uuid.Parse(uuidStr); err != nil {
		return nil, civerr.New(civerr.ConfigInvalid, "invalid vgpu_uuid: "+uuidStr)
	}

	if b.aaf != nil {
		b.aaf.Set("gpu_type", "gvtg")
	}

	return []string{
		"-display", "gtk,gl=on",
		"-device", fmt.Sprintf("vfio-pci-nohotplug,ramfb=on,display=on,addr=2.0,x-igd-opregion=on,sysfsdev=/sys/bus/pci/devices/%s/%s", intelGPUBDF, uuidStr),
	}, nil
}

func gvtd(b *builder) ([]string, error) {
	if end := hosthw.AudioWorkaround(); end != nil {
		b.endCalls = append(b.endCalls, end)
	}

	end, err := hosthw.AttachWithRestore(intelGPUBDF)
	if err != nil {
		return nil, err
	}
	b.endCalls = append(b.endCalls, end)

	if b.aaf != nil {
		b.aaf.Set("gpu_type", "gvtd")
	}

	return []string{
		"-vga", "none", "-nographic",
		"-device", "vfio-pci,host=00:02.0,x-igd-gms=2,id=hostdev0,bus=pcie.0,addr=0x2,x-igd-opregion=on",
	}, nil
}

func virtioGPU(b *builder) ([]string, error) {
	if b.aaf != nil {
		b.aaf.Set("gpu_type", "virtio")
	}
	return []string{"-display", "gtk,gl=on", "-device", "virtio-vga-gl"}, nil
}

func ramfb(b *builder) ([]string, error) {
	return []string{"-display", "gtk,gl=on", "-device", "ramfb"}, nil
}

func virtio2D(b *builder) ([]string, error) {
	if b.aaf != nil {
		b.aaf.Set("gpu_type", "virtio")
	}
	return []string{"-display", "gtk,gl=on", "-device", "virtio-vga"}, nil
}

func sriovGPU(b *builder) ([]string, error) {
	memSize := b.cfg.Get("memory", "size")
	if err := hosthw.ProvisionHugepages(memSize); err != nil {
		return nil, err
	}
	vf, err := hosthw.SelectVF()
	if err != nil {
		return nil, err
	}

	if b.aaf != nil {
		b.aaf.Set("gpu_type", "virtio")
	}

	return []string{
		"-device", "virtio-vga,max_outputs=1,blob=true",
		"-device", fmt.Sprintf("vfio-pci,host=0000:00:02.%d", vf),
		"-object", fmt.Sprintf("memory-backend-memfd,hugetlb=on,id=mem_sriov,size=%s", memSize),
		"-machine", "memory-backend=mem_sriov",
	}, nil
}
