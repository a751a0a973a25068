// Copyright (c) 2024 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package cidpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New()

	cid, ok := p.Acquire()
	require.True(t, ok)
	require.Equal(t, Base, cid)

	require.True(t, p.Release(cid))

	cid2, ok := p.Acquire()
	require.True(t, ok)
	require.Equal(t, Base, cid2, "released cid should be reused first")
}

func TestAcquireSpecific(t *testing.T) {
	p := New()

	require.True(t, p.AcquireSpecific(Base+5))
	require.False(t, p.AcquireSpecific(Base+5), "already held cid cannot be reacquired")

	require.False(t, p.AcquireSpecific(Base-1), "below range")
	require.False(t, p.AcquireSpecific(Base+Capacity), "above range")
}

func TestReleaseBoundary(t *testing.T) {
	p := New()

	require.False(t, p.Release(Base-1))
	require.False(t, p.Release(Base+Capacity))
	require.True(t, p.Release(Base+10), "releasing an already-free cid is idempotent")
}

func TestExhaustion(t *testing.T) {
	p := New()

	seen := make(map[uint32]bool)
	for i := uint32(0); i < Capacity; i++ {
		cid, ok := p.Acquire()
		require.True(t, ok)
		require.False(t, seen[cid], "cid handed out twice")
		seen[cid] = true
	}

	_, ok := p.Acquire()
	require.False(t, ok, "pool should be exhausted")
}

func TestConcurrentAcquireNoDuplicate(t *testing.T) {
	p := New()

	const n = 200
	results := make(chan uint32, n)
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		go func() {
			cid, ok := p.Acquire()
			if ok {
				results <- cid
			} else {
				results <- 0
			}
		}()
	}

	go func() {
		defer close(done)
		seen := make(map[uint32]bool)
		for i := 0; i < n; i++ {
			cid := <-results
			if cid == 0 {
				continue
			}
			require.False(t, seen[cid])
			seen[cid] = true
		}
	}()
	<-done
}
