package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwnlink/agent/internal/model"
)

func TestState_SnapshotIsACopy(t *testing.T) {
	s := NewState(model.DevicePorts)
	latency := 12.5
	s.setPort(model.PortSSH, true)
	s.setPrimary(&latency)

	snap := s.Connectivity()
	snap.Ports[model.PortSSH] = false
	*snap.LatencyMs = 99

	again := s.Connectivity()
	assert.True(t, again.Ports[model.PortSSH])
	assert.InDelta(t, 12.5, *again.LatencyMs, 0.001)
}

func TestState_SubscribeKeepsLatest(t *testing.T) {
	s := NewState(model.DevicePorts)
	ch, cancel := s.Subscribe()

	s.setPort(model.PortHTTP, true)
	s.publish()
	s.setPort(model.PortHTTP, false)
	s.setPort(model.PortWebUI, true)
	s.publish()

	snap := <-ch
	assert.False(t, snap.Connectivity.Ports[model.PortHTTP])
	assert.True(t, snap.Connectivity.Ports[model.PortWebUI])

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestState_ConfigSurvivesReset(t *testing.T) {
	s := NewState(model.DevicePorts)
	s.setConfig(model.RemoteConfig{DeviceName: "gotchi"})
	s.reset()

	cfg, ok := s.RemoteConfig()
	require.True(t, ok)
	assert.Equal(t, "gotchi", cfg.DeviceName)
	assert.NotNil(t, s.Snapshot().Config)
}
