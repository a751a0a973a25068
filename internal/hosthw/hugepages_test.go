// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hosthw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/civmgr/internal/civerr"
)

func TestParseMemSizeDefaultsToMegabytes(t *testing.T) {
	got, err := parseMemSize("512")
	require.NoError(t, err)
	require.Equal(t, uint64(512*1024*1024), got)
}

func TestParseMemSizeMegabyteSuffix(t *testing.T) {
	got, err := parseMemSize("256M")
	require.NoError(t, err)
	require.Equal(t, uint64(256*1024*1024), got)
}

func TestParseMemSizeGigabyteSuffix(t *testing.T) {
	got, err := parseMemSize("4G")
	require.NoError(t, err)
	require.Equal(t, uint64(4*1024*1024*1024), got)
}

func TestParseMemSizeUnparseableRejected(t *testing.T) {
	_, err := parseMemSize("lots")
	require.Error(t, err)
	require.True(t, civerr.Is(err, civerr.ConfigInvalid))
}

func TestParseMemSizeEmptyRejected(t *testing.T) {
	_, err := parseMemSize("")
	require.Error(t, err)
}
