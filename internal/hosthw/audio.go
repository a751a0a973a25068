// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hosthw

import (
	"os"
	"os/exec"
	"strings"
)

const (
	asoundCardsPath = "/proc/asound/cards"
	sofModule       = "snd-sof-pci-intel-tgl"
)

// AudioWorkaround unloads the SOF sound module before GVT-d passthrough
// when it's present, returning an EndCall that reloads it. The module
// and the i915 driver conflict during unbind/rebind, per spec §4.3 —
// when no SOF card is present, AudioWorkaround is a no-op.
func AudioWorkaround() EndCall {
	b, err := os.ReadFile(asoundCardsPath)
	if err != nil || !strings.Contains(strings.ToLower(string(b)), "sof") {
		return nil
	}

	if out, err := exec.Command("modprobe", "-r", sofModule).CombinedOutput(); err != nil {
		pciLogger.WithError(err).WithField("output", string(out)).Warn("failed to unload SOF module")
		return nil
	}

	return func() {
		if out, err := exec.Command("modprobe", sofModule).CombinedOutput(); err != nil {
			pciLogger.WithError(err).WithField("output", string(out)).Warn("failed to reload SOF module")
		}
	}
}
