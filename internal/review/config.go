package review

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds orchestrator settings.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxDuration    time.Duration
	QueueTimeout   time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the default review config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		Workers:        4,
		QueueSize:      256,
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		MaxDuration:    10 * time.Minute,
		QueueTimeout:   2 * time.Minute,
		SweepInterval:  time.Minute,
	}
	if v := viper.GetInt("review.workers"); v > 0 {
		cfg.Workers = v
	}
	if v := viper.GetInt("review.queue_size"); v > 0 {
		cfg.QueueSize = v
	}
	if v := viper.GetInt("review.max_attempts"); v > 0 {
		cfg.MaxAttempts = v
	}
	if v := viper.GetDuration("review.backoff_initial"); v > 0 {
		cfg.BackoffInitial = v
	}
	if v := viper.GetDuration("review.backoff_max"); v > 0 {
		cfg.BackoffMax = v
	}
	if v := viper.GetDuration("review.max_duration"); v > 0 {
		cfg.MaxDuration = v
	}
	if v := viper.GetDuration("review.queue_timeout"); v > 0 {
		cfg.QueueTimeout = v
	}
	if v := viper.GetDuration("review.sweep_interval"); v > 0 {
		cfg.SweepInterval = v
	}
	return cfg
}
