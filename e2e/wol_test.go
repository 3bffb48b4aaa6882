//go:build e2e

package e2e

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/fgeck/remote-pipeline/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// reservePort returns a loopback address with nothing listening on it.
func reservePort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func serveAfter(t *testing.T, addr string, delay time.Duration) {
	t.Helper()

	go func() {
		time.Sleep(delay)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = ln.Close() })
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
}

func TestWOL_DelayedTarget_E2E(t *testing.T) {
	addr := reservePort(t)
	serveAfter(t, addr, 200*time.Millisecond)

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, &wol.TCPProber{Timeout: time.Second})

	cfg := models.WOLConfig{
		MACAddress:    "AA:BB:CC:DD:EE:FF",
		BroadcastIP:   "255.255.255.255",
		ProbeAddr:     addr,
		Timeout:       5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		StabilizeWait: 50 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.Greater(t, result.WaitDuration, 200*time.Millisecond)
}

func TestWOL_TargetNeverReady_E2E(t *testing.T) {
	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, &wol.TCPProber{Timeout: 100 * time.Millisecond})

	cfg := models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "255.255.255.255",
		ProbeAddr:    reservePort(t),
		Timeout:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.TargetReady)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "timeout")
}

// Mock implementations for E2E tests
type mockWOLClient struct{}

func (m *mockWOLClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	return nil
}

// RealWOL tests - only run if explicitly configured
func TestRealWOL_E2E(t *testing.T) {
	mac := os.Getenv("TEST_WOL_MAC")
	if mac == "" {
		t.Skip("TEST_WOL_MAC not set")
	}

	probeAddr := os.Getenv("TEST_WOL_PROBE_ADDR")

	svc := wol.New(testLogger())

	cfg := models.WOLConfig{
		MACAddress:    mac,
		BroadcastIP:   "255.255.255.255",
		ProbeAddr:     probeAddr,
		Timeout:       5 * time.Minute,
		PollInterval:  10 * time.Second,
		StabilizeWait: 10 * time.Second,
	}

	result, err := svc.Wake(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.TargetReady)
	if probeAddr == "" {
		assert.True(t, result.PacketSent)
	}
}
