// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hosthw

import (
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/intel/civmgr/internal/civerr"
)

const (
	freeHugepagesPath = "/sys/kernel/mm/hugepages/hugepages-2048kB/free_hugepages"
	nrHugepagesPath   = "/sys/kernel/mm/hugepages/hugepages-2048kB/nr_hugepages"

	hugepageSizeBytes = 2 * 1024 * 1024

	hugepagePollInterval = 10 * time.Millisecond
	hugepagePollAttempts = 200
)

// parseMemSize parses a size string with an optional trailing M
// (default) or G suffix into bytes.
func parseMemSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, civerr.New(civerr.ConfigInvalid, "empty memory size")
	}

	last := s[len(s)-1]
	switch last {
	case 'M', 'm':
		return bytefmt.ToBytes(s[:len(s)-1] + "M")
	case 'G', 'g':
		return bytefmt.ToBytes(s[:len(s)-1] + "G")
	default:
		if _, err := strconv.Atoi(s); err != nil {
			return 0, civerr.New(civerr.ConfigInvalid, "unparseable memory size: "+s)
		}
		return bytefmt.ToBytes(s + "M")
	}
}

func readSysInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// ProvisionHugepages ensures enough free 2MiB hugepages exist to back
// memSize of guest RAM, allocating more if necessary and polling the
// kernel up to 200*10ms for satisfaction, per spec §4.3.
func ProvisionHugepages(memSize string) error {
	bytes, err := parseMemSize(memSize)
	if err != nil {
		return err
	}
	requiredPages := int((bytes + hugepageSizeBytes - 1) / hugepageSizeBytes)

	freePages, err := readSysInt(freeHugepagesPath)
	if err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "read free_hugepages")
	}
	if freePages >= requiredPages {
		return nil
	}

	nrPages, err := readSysInt(nrHugepagesPath)
	if err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "read nr_hugepages")
	}
	totalRequired := nrPages - freePages + requiredPages

	if err := writeSysFile(nrHugepagesPath, strconv.Itoa(totalRequired)); err != nil {
		return civerr.Wrap(civerr.HostOpFailed, err, "write nr_hugepages")
	}

	for i := 0; i < hugepagePollAttempts; i++ {
		nrPages, err = readSysInt(nrHugepagesPath)
		if err == nil && nrPages == totalRequired {
			return nil
		}
		time.Sleep(hugepagePollInterval)
	}

	return civerr.New(civerr.ResourceExhausted, "hugepages could not reach required size")
}
