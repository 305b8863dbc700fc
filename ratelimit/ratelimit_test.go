// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "token refilled")
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(addr2))
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow(nil))
	assert.True(t, limiter.Allow(nil))
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 1}
	limiter.Allow(addr)

	limiter.removeStale(time.Now().Add(3 * time.Minute))
	assert.True(t, limiter.Allow(addr), "fresh bucket after cleanup")

	limiter.Stop()
	limiter.Stop()
}

func TestKeyedLimiter(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1)

	assert.True(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("bob"))
	assert.False(t, limiter.Allow("alice"))
	assert.Equal(t, 2, limiter.Len())

	limiter.Remove("alice")
	assert.True(t, limiter.Allow("alice"), "fresh limiter after removal")
}

func TestManager_Disabled(t *testing.T) {
	manager := NewManager(Config{Enabled: false})
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	for range 10 {
		assert.True(t, manager.Allow(addr))
		assert.True(t, manager.AllowMessage("alice"))
		assert.True(t, manager.AllowSubscribe("alice"))
	}
	manager.Forget("alice")
	manager.Stop()
}

func TestManager_NilIsPermissive(t *testing.T) {
	var manager *Manager
	assert.True(t, manager.Allow(nil))
	assert.True(t, manager.AllowMessage("alice"))
	assert.True(t, manager.AllowSubscribe("alice"))
	manager.Forget("alice")
	manager.Stop()
}

func TestManager_Enabled(t *testing.T) {
	manager := NewManager(Config{
		Enabled:    true,
		Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute},
		Message:    CommandConfig{Enabled: true, Rate: 1, Burst: 1},
		Subscribe:  CommandConfig{Enabled: true, Rate: 1, Burst: 1},
	})
	defer manager.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, manager.Allow(addr))
	assert.True(t, manager.AllowMessage("alice"))
	assert.True(t, manager.AllowSubscribe("alice"))

	assert.False(t, manager.Allow(addr))
	assert.False(t, manager.AllowMessage("alice"))
	assert.False(t, manager.AllowSubscribe("alice"))

	manager.Forget("alice")
	assert.True(t, manager.AllowMessage("alice"))
	assert.True(t, manager.AllowSubscribe("alice"))
}

func TestManager_SelectiveEnable(t *testing.T) {
	manager := NewManager(Config{
		Enabled:    true,
		Connection: ConnectionConfig{Enabled: true, Rate: 1, Burst: 1, CleanupInterval: time.Minute},
	})
	defer manager.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	assert.True(t, manager.Allow(addr))
	assert.False(t, manager.Allow(addr))

	for i := range 10 {
		assert.True(t, manager.AllowMessage("alice"), "message %d", i)
		assert.True(t, manager.AllowSubscribe("alice"), "subscribe %d", i)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		expected string
	}{
		{
			name:     "TCPAddr",
			addr:     &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234},
			expected: "192.168.1.1",
		},
		{
			name:     "UDPAddr",
			addr:     &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678},
			expected: "10.0.0.1",
		},
		{
			name:     "Nil",
			addr:     nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractIP(tt.addr))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.Connection.Enabled)
	assert.True(t, cfg.Message.Enabled)
	assert.True(t, cfg.Subscribe.Enabled)
}
