// Package config holds the runtime tunables for the connections core and
// the nearbyd CLI: keep-alive intervals, frame size limits, and the
// default payload chunk size, alongside the ambient logging setup.
package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the tunables described in spec §5 (Timeouts) and §4 (frame
// and chunk limits).
type Config struct {
	LogLevel logrus.Level `json:"log_level"`

	// KeepAliveWriteInterval is how often the endpoint manager's keep-alive
	// worker writes a KeepAlive frame on an idle channel.
	KeepAliveWriteInterval time.Duration `json:"keep_alive_write_interval"`

	// KeepAliveReadTimeout is the max age of a channel's last successful
	// read before the keep-alive watchdog discards the endpoint.
	KeepAliveReadTimeout time.Duration `json:"keep_alive_read_timeout"`

	// FrameProcessorTimeout bounds how long the endpoint manager waits for
	// a FrameProcessor to acknowledge a disconnect notification.
	FrameProcessorTimeout time.Duration `json:"frame_processor_timeout"`

	// DisconnectDrainGrace bounds cancel_payload's wait for in-flight
	// writes to drain before forcing the local source/sink closed.
	DisconnectDrainGrace time.Duration `json:"disconnect_drain_grace"`

	// MaxAllowedReadBytes rejects any single on-wire frame larger than this.
	MaxAllowedReadBytes uint32 `json:"max_allowed_read_bytes"`

	// ChunkSize is the maximum payload chunk the payload manager emits per
	// DATA frame for Stream/File payloads.
	ChunkSize int `json:"chunk_size"`

	// MaxConcurrentEndpoints is the per-client endpoint limit. The
	// endpoint manager does not read it and registers any number of
	// endpoints.
	MaxConcurrentEndpoints int `json:"max_concurrent_endpoints"`

	// FrameQueueCapacity bounds the per-endpoint decoded-frame queue
	// between the reader worker and frame dispatch; once full, the
	// oldest undispatched frame is dropped rather than blocking the
	// reader.
	FrameQueueCapacity int `json:"frame_queue_capacity"`

	OutputFormat string `json:"output_format"` // table, json, csv
}

// DefaultConfig returns the values named in spec §5's Timeouts table and
// §4.1/§4.7's size limits.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:               logrus.InfoLevel,
		KeepAliveWriteInterval: 5 * time.Second,
		KeepAliveReadTimeout:   30 * time.Second,
		FrameProcessorTimeout:  2 * time.Second,
		DisconnectDrainGrace:   5 * time.Second,
		MaxAllowedReadBytes:    4 * 1024 * 1024,
		ChunkSize:              64 * 1024,
		MaxConcurrentEndpoints: 50,
		FrameQueueCapacity:     32,
		OutputFormat:           "table",
	}
}

// NewLogger creates a logger configured per c.LogLevel, formatted the same
// way across every binary built on this module.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
