package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp/internal/config"
)

func TestConfigureDefaults(t *testing.T) {
	cfg, err := config.Configure()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, config.BackpressureRaise, cfg.BackpressureStrategy)
	assert.NotNil(t, cfg.PayloadStores)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigureRejectsBadHeartbeat(t *testing.T) {
	_, err := config.Configure(
		config.WithHeartbeatInterval(10*time.Minute),
		config.WithOrphanThreshold(1*time.Minute),
	)
	require.Error(t, err)
}

func TestConfigureRejectsUnknownBackpressure(t *testing.T) {
	_, err := config.Configure(config.WithBackpressure("explode", 0))
	require.Error(t, err)
}

func TestConfigureAppliesOptions(t *testing.T) {
	cfg, err := config.Configure(
		config.WithMaxConnections(5),
		config.WithHeartbeatInterval(1*time.Second),
		config.WithOrphanThreshold(10*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 1*time.Second, cfg.HeartbeatInterval)
}
