// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package argbuilder translates a validated guest configuration into
// the emulator command line, the ordered co-process list, the restore
// queue, and the allocated CID — the 17-step algorithm of spec §4.4.
package argbuilder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/intel/civmgr/internal/cidpool"
	"github.com/intel/civmgr/internal/civconfig"
	"github.com/intel/civmgr/internal/civerr"
	"github.com/intel/civmgr/internal/hosthw"
	"github.com/intel/civmgr/internal/supervisor"
)

var argsLogger = logrus.WithField("subsystem", "argbuilder")

const defaultEmulator = "qemu-system-x86_64"

// BuildResult is the output of a successful Build: the emulator
// command, the ordered co-process list, the end-call restore queue,
// and the CID reserved for this guest.
type BuildResult struct {
	Command     string
	CoProcesses []supervisor.CoProcess
	EndCalls    []hosthw.EndCall
	CID         uint32
}

// builder accumulates state across the ordered steps of Build.
type builder struct {
	cfg       *civconfig.Config
	env       []string
	configDir string
	logDir    string
	cids      *cidpool.Pool

	args        []string
	coProcesses []supervisor.CoProcess
	endCalls    []hosthw.EndCall
	cid         uint32
	aaf         *aafSettings
}

// Build runs the 17-step argument-building algorithm of spec §4.4. On
// failure no side effect is left visible outside the builder: the CID
// (if acquired) is released and every enqueued end-call is drained.
func Build(cfg *civconfig.Config, env []string, configDir, logDir string, cids *cidpool.Pool) (*BuildResult, error) {
	b := &builder{cfg: cfg, env: env, configDir: configDir, logDir: logDir, cids: cids}

	if err := b.run(); err != nil {
		b.rollback()
		return nil, err
	}

	return &BuildResult{
		Command:     strings.Join(b.args, " "),
		CoProcesses: b.coProcesses,
		EndCalls:    b.endCalls,
		CID:         b.cid,
	}, nil
}

func (b *builder) rollback() {
	if b.cid != 0 {
		b.cids.Release(b.cid)
	}
	for i := len(b.endCalls) - 1; i >= 0; i-- {
		b.endCalls[i]()
	}
}

func (b *builder) run() error {
	// 1. Resolve emulator path.
	emulPath, err := resolveEmulator(b.cfg.Get("emulator", "path"))
	if err != nil {
		return err
	}
	b.args = []string{emulPath}

	// 2. Storage-key block.
	b.buildStorageKey()

	// 3. AAF.
	aafPath := b.cfg.Get("aaf", "path")
	if aafPath != "" {
		b.args = append(b.args, "-virtfs", fmt.Sprintf("local,mount_tag=aaf,security_model=none,path=%s", aafPath))
		b.aaf = newAAFSettings(aafPath)
		b.aaf.Set("support_suspend", b.cfg.Get("aaf", "support_suspend"))
	}

	// 4. Name/QMP.
	name := b.cfg.Name()
	if name == "" {
		return civerr.New(civerr.ConfigInvalid, "global.name is required")
	}
	b.args = append(b.args, "-name", name)
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s/.%s.qmp.unix.socket,server,nowait", b.configDir, name))

	// 5. Networking.
	b.buildNetworking()

	// 6. Vsock.
	if err := b.buildVsock(); err != nil {
		return err
	}

	// 7. Virtual TPM.
	if err := b.buildVTPM(); err != nil {
		return err
	}

	// 8. Virtual GPU.
	if err := b.buildGPU(); err != nil {
		return err
	}

	// 9. Memory and vCPU.
	memSize := b.cfg.Get("memory", "size")
	if memSize == "" {
		return civerr.New(civerr.ConfigInvalid, "memory.size is required")
	}
	// A bare number means megabytes, qemu's own -m default unit; a
	// unit-suffixed value ("2G", "2048M") is normalized to the same form.
	if _, err := strconv.ParseUint(memSize, 10, 64); err == nil {
		memSize += "M"
	}
	memBytes, err := units.RAMInBytes(memSize)
	if err != nil {
		return civerr.Wrap(civerr.ConfigInvalid, err, "parse memory.size")
	}
	b.args = append(b.args, "-m", fmt.Sprintf("%dM", memBytes/units.MiB))
	b.args = append(b.args, "-smp", b.cfg.Get("vcpu", "num"))

	// 10. Firmware.
	if err := b.buildFirmware(); err != nil {
		return err
	}

	// 11. Disk.
	b.args = append(b.args, "-drive", fmt.Sprintf(
		"file=%s,if=none,id=disk1,discard=unmap,detect-zeroes=unmap", b.cfg.Get("disk", "path")))
	b.args = append(b.args, "-device", "virtio-blk-pci,drive=disk1,bootindex=1")

	// 12. Additional passthrough.
	if err := b.buildPassthrough(); err != nil {
		return err
	}

	// 13. Mediation + guest-control co-processes.
	b.addSimpleCoProcess("battery_med", b.cfg.Get("mediation", "battery_med"))
	b.addSimpleCoProcess("thermal_med", b.cfg.Get("mediation", "thermal_med"))
	b.addSimpleCoProcess("time_keep", b.cfg.Get("guest_control", "time_keep"))
	b.addSimpleCoProcess("pm_control", b.cfg.Get("guest_control", "pm_control"))

	// 14. Audio.
	b.args = append(b.args, "-device", "ich9-intel-hda", "-device", "hda-duplex",
		"-audiodev", "pa,id=pa0,server=/var/run/pulse/native")

	// 15. Extra command / services.
	if extraCmd := b.cfg.Get("extra", "cmd"); extraCmd != "" {
		b.args = append(b.args, extraCmd)
	}
	for _, svc := range strings.Split(b.cfg.Get("extra", "service"), ";") {
		svc = strings.TrimSpace(svc)
		if svc != "" {
			b.addSimpleCoProcess("extra-service", svc)
		}
	}

	// 16. Fixed suffix flags. The IOMMU device must be the last
	// -device before -nodefaults.
	b.args = append(b.args, "-M", "q35", "-machine", "kernel_irqchip=on", "-enable-kvm")
	b.args = append(b.args, "-device", "intel-iommu,device-iotlb=on,caching-mode=on")
	b.args = append(b.args, "-nodefaults")

	// 17. Flush AAF settings.
	if b.aaf != nil {
		if err := b.aaf.Flush(); err != nil {
			return err
		}
	}

	return nil
}

func resolveEmulator(configured string) (string, error) {
	if configured != "" {
		if info, err := os.Stat(configured); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(configured)
			if err != nil {
				return "", civerr.Wrap(civerr.ConfigInvalid, err, "resolve emulator path")
			}
			return abs, nil
		}
	}

	candidate := configured
	if candidate == "" {
		candidate = defaultEmulator
	}
	if path, err := exec.LookPath(candidate); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath(defaultEmulator); err == nil {
		return path, nil
	}
	return "", civerr.New(civerr.ConfigInvalid, "cannot resolve emulator path or find it on PATH")
}

func (b *builder) buildStorageKey() {
	bin := b.cfg.Get("rpmb", "bin_path")
	dataDir := b.cfg.Get("rpmb", "data_dir")
	if bin == "" || dataDir == "" {
		return
	}

	b.args = append(b.args,
		"-device", "virtio-serial,addr=1",
		"-device", "virtserialport,chardev=rpmb0,name=rpmb0,nr=1",
		"-chardev", fmt.Sprintf("socket,id=rpmb0,path=%s/rpmb_sock", dataDir),
	)
	b.coProcesses = append(b.coProcesses, supervisor.NewStorageKey(bin, dataDir, b.env, b.logDir))
}

func (b *builder) buildNetworking() {
	netdev := "user,id=net0"
	if adb := b.cfg.Get("global", "adb_port"); adb != "" {
		netdev += fmt.Sprintf(",hostfwd=tcp::%s-:5555", adb)
	}
	if fb := b.cfg.Get("global", "fastboot_port"); fb != "" {
		netdev += fmt.Sprintf(",hostfwd=tcp::%s-:5554", fb)
	}
	b.args = append(b.args, "-netdev", netdev)
	b.args = append(b.args, "-device", "e1000,netdev=net0")
}

func (b *builder) buildVsock() error {
	str := b.cfg.Get("global", "vsock_cid")
	var cid uint32
	if str == "" {
		acquired, ok := b.cids.Acquire()
		if !ok {
			return civerr.New(civerr.ResourceExhausted, "vsock CID pool exhausted")
		}
		cid = acquired
	} else {
		parsed, err := strconv.ParseUint(str, 10, 32)
		if err != nil {
			return civerr.New(civerr.ConfigInvalid, "invalid global.vsock_cid: "+str)
		}
		if !b.cids.AcquireSpecific(uint32(parsed)) {
			return civerr.New(civerr.ResourceExhausted, "requested vsock_cid unavailable: "+str)
		}
		cid = uint32(parsed)
	}

	b.cid = cid
	b.args = append(b.args, "-device", fmt.Sprintf("vhost-vsock-pci,id=vhost-vsock-pci0,guest-cid=%d", cid))
	return nil
}

func (b *builder) buildVTPM() error {
	bin := b.cfg.Get("vtpm", "bin_path")
	dataDir := b.cfg.Get("vtpm", "data_dir")
	if bin == "" || dataDir == "" {
		return nil
	}

	sockPath := filepath.Join(dataDir, "swtpm-sock")
	b.args = append(b.args,
		"-chardev", fmt.Sprintf("socket,id=chrtpm,path=%s", sockPath),
		"-tpmdev", "emulator,id=tpm0,chardev=chrtpm",
		"-device", "tpm-crb,tpmdev=tpm0",
	)

	vtpm, err := supervisor.NewVirtualTPM(bin, dataDir, b.env, b.logDir)
	if err != nil {
		return err
	}
	b.coProcesses = append(b.coProcesses, vtpm)
	return nil
}

func (b *builder) buildGPU() error {
	gpuType := b.cfg.Get("graphics", "type")
	if gpuType == "" || gpuType == civconfig.GraphicsHeadless {
		return nil
	}

	handler, ok := gpuHandlers[gpuType]
	if !ok {
		return civerr.New(civerr.ConfigInvalid, "unsupported graphics.type: "+gpuType)
	}

	flags, err := handler(b)
	if err != nil {
		return err
	}
	b.args = append(b.args, flags...)
	return nil
}

func (b *builder) buildFirmware() error {
	firmType := b.cfg.Get("firmware", "type")
	switch firmType {
	case civconfig.FirmwareUnified:
		b.args = append(b.args, "-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", b.cfg.Get("firmware", "path")))
	case civconfig.FirmwareSplited:
		b.args = append(b.args, "-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", b.cfg.Get("firmware", "code")))
		b.args = append(b.args, "-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", b.cfg.Get("firmware", "vars")))
	default:
		return civerr.New(civerr.ConfigInvalid, "firmware.type must be unified or splited")
	}
	return nil
}

func (b *builder) buildPassthrough() error {
	raw := strings.TrimSpace(b.cfg.Get("passthrough", "passthrough_pci"))
	if raw == "" {
		return nil
	}

	if err := hosthw.LoadVFIOModules(); err != nil {
		return err
	}

	for _, bdf := range strings.Split(raw, ",") {
		bdf = strings.TrimSpace(bdf)
		if bdf == "" {
			continue
		}
		end, err := hosthw.AttachWithRestore(bdf)
		if err != nil {
			return err
		}
		b.endCalls = append(b.endCalls, end)
		b.args = append(b.args, "-device", fmt.Sprintf("vfio-pci,host=%s,x-no-kvm-intx=on", bdf))
	}
	return nil
}

func (b *builder) addSimpleCoProcess(name, command string) {
	if command == "" {
		return
	}
	b.coProcesses = append(b.coProcesses, supervisor.NewGeneric(name, command, b.env, b.logDir))
	argsLogger.WithFields(logrus.Fields{"name": name, "cmd": command}).Debug("registered co-process")
}
