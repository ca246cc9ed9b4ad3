package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netcore/internal/core/entity"
	"github.com/zeusync/netcore/internal/core/observability/log"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	doc := `
player_id: 7
log:
  level: debug
replication:
  tick_rate: 30
  bandwidth_limit: 2048
  priority_threshold: normal
  max_lag_compensation: 250ms
prediction:
  fixed_step: 20ms
transport:
  faults:
    enabled: true
    packet_loss: 5
links:
  relay:
    max_batch: 16
`
	cfg, err := LoadYAML(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.PlayerID)
	assert.Equal(t, uint64(7), cfg.Transport.LocalPlayerID)
	assert.Equal(t, uint64(7), cfg.Replication.LocalPlayerID)
	assert.Equal(t, log.LevelDebug, cfg.LogLevel())
	assert.Equal(t, 30.0, cfg.Replication.TickRate)
	assert.Equal(t, 2048, cfg.Replication.BandwidthLimit)
	assert.Equal(t, entity.PriorityNormal, cfg.Replication.PriorityThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Replication.MaxLagCompensation)
	assert.Equal(t, 20*time.Millisecond, cfg.Prediction.FixedStep)
	assert.True(t, cfg.Transport.Faults.Enabled)
	assert.Equal(t, 16, cfg.Links.Relay.MaxBatch)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Replication.BaselineRefresh, cfg.Replication.BaselineRefresh)
	assert.Equal(t, Default().Links.WebSocket, cfg.Links.WebSocket)
}

func TestLoadYAMLEmptyDocument(t *testing.T) {
	cfg, err := LoadYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("replication:\n  tickrate: 10\n"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Replication.TickRate = 0
	cfg.Prediction.SmoothingFactor = 2
	cfg.Replication.ReliableChannel = "bulk"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "log level")
	assert.Contains(t, msg, "smoothing factor")
	assert.Contains(t, msg, `"bulk"`)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("player_id: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cfg.Replication.LocalPlayerID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
