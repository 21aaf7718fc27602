// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_BurstThenThrottle(t *testing.T) {
	l := New(&Config{Interval: time.Hour, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "burst attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestAllow_PerSourceIsolation(t *testing.T) {
	l := New(&Config{Interval: time.Hour, Burst: 1})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	// A different source has its own bucket
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.ActiveSources())
}

func TestAllow_Refill(t *testing.T) {
	l := New(&Config{Interval: 10 * time.Millisecond, Burst: 1})
	defer l.Stop()

	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestAllowAddr(t *testing.T) {
	l := New(&Config{Interval: time.Hour, Burst: 1})
	defer l.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 42422}
	assert.True(t, l.AllowAddr(addr))

	// Same host from another port shares the bucket
	addr2 := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 42423}
	assert.False(t, l.AllowAddr(addr2))
}

func TestCleanup(t *testing.T) {
	l := New(&Config{Interval: time.Hour, Burst: 1, MaxIdle: time.Millisecond})
	defer l.Stop()

	l.Allow("10.0.0.1")
	require.Equal(t, 1, l.ActiveSources())

	time.Sleep(5 * time.Millisecond)
	l.cleanup()
	assert.Zero(t, l.ActiveSources())
}

func TestStop_Idempotent(t *testing.T) {
	l := New(&Config{Interval: time.Second, Burst: 1})
	l.Stop()
	l.Stop()
}
