package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// fileConfig is the flat, mapstructure-tagged shape read from a config file
// or environment, mirroring ahmedosamasayed-otlpxy's internal/config.Config
// pattern (viper.SetDefault + ReadInConfig + Unmarshal).
type fileConfig struct {
	MaxConnections           int    `mapstructure:"max_connections"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds"`
	OrphanThresholdSeconds   int    `mapstructure:"orphan_threshold_seconds"`
	GCLockTTLSeconds         int    `mapstructure:"gc_lock_ttl_seconds"`
	PayloadStoreThresholdKB  int    `mapstructure:"payload_store_threshold_kb"`
	MaxHostClients           int    `mapstructure:"max_host_clients"`
	IdleConnectionTimeoutSec int    `mapstructure:"idle_connection_timeout_seconds"`
	EnableHTTP2              bool   `mapstructure:"enable_http2"`
	ProxyURL                 string `mapstructure:"proxy_url"`
	MaxResponseSizeMB        int    `mapstructure:"max_response_size_mb"`
	BackpressureStrategy     string `mapstructure:"backpressure_strategy"`
	BackpressureBlockMillis  int    `mapstructure:"backpressure_block_millis"`
}

func setDefaults() {
	viper.SetDefault("max_connections", DefaultMaxConnections)
	viper.SetDefault("heartbeat_interval_seconds", int(DefaultHeartbeatInterval.Seconds()))
	viper.SetDefault("orphan_threshold_seconds", int(DefaultOrphanThreshold.Seconds()))
	viper.SetDefault("gc_lock_ttl_seconds", int(DefaultGCLockTTL.Seconds()))
	viper.SetDefault("payload_store_threshold_kb", DefaultPayloadStoreThreshold/1024)
	viper.SetDefault("max_host_clients", DefaultMaxHostClients)
	viper.SetDefault("idle_connection_timeout_seconds", int(DefaultIdleConnectionTimeout.Seconds()))
	viper.SetDefault("enable_http2", false)
	viper.SetDefault("proxy_url", "")
	viper.SetDefault("max_response_size_mb", DefaultMaxResponseSize/(1024*1024))
	viper.SetDefault("backpressure_strategy", string(BackpressureRaise))
	viper.SetDefault("backpressure_block_millis", int(DefaultBackpressureBlockWait.Milliseconds()))
}

func (f fileConfig) toOptions() []Option {
	return []Option{
		WithMaxConnections(f.MaxConnections),
		WithHeartbeatInterval(time.Duration(f.HeartbeatIntervalSeconds) * time.Second),
		WithOrphanThreshold(time.Duration(f.OrphanThresholdSeconds) * time.Second),
		WithGCLockTTL(time.Duration(f.GCLockTTLSeconds) * time.Second),
		WithPayloadStoreThreshold(f.PayloadStoreThresholdKB * 1024),
		WithMaxHostClients(f.MaxHostClients),
		WithIdleConnectionTimeout(time.Duration(f.IdleConnectionTimeoutSec) * time.Second),
		WithHTTP2(f.EnableHTTP2),
		WithProxyURL(f.ProxyURL),
		WithMaxResponseSize(int64(f.MaxResponseSizeMB) * 1024 * 1024),
		WithBackpressure(BackpressureStrategy(f.BackpressureStrategy), time.Duration(f.BackpressureBlockMillis)*time.Millisecond),
	}
}

// LoadFromFile reads a TOML/YAML/JSON config file (by extension) into a
// Configuration, for operators who prefer file-driven tuning to code, the
// way ahmedosamasayed-otlpxy/internal/config.Load does for its proxy.
// Extra Options can still be layered on after the file is read.
func LoadFromFile(path string, extra ...Option) (*Configuration, error) {
	setDefaults()
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("asynchttp: read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := viper.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("asynchttp: unmarshal config file %s: %w", path, err)
	}
	opts := append(fc.toOptions(), extra...)
	return Configure(opts...)
}

// LoadFromEnv reads the same knobs from ASYNCHTTP_-prefixed environment
// variables (e.g. ASYNCHTTP_MAX_CONNECTIONS), via viper's AutomaticEnv.
func LoadFromEnv(extra ...Option) (*Configuration, error) {
	setDefaults()
	viper.SetEnvPrefix("ASYNCHTTP")
	viper.AutomaticEnv()
	var fc fileConfig
	if err := viper.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("asynchttp: unmarshal env config: %w", err)
	}
	opts := append(fc.toOptions(), extra...)
	return Configure(opts...)
}
