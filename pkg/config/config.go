// Package config provides the configuration system for the publisher.
// It defines a single Options structure consumed by the pipeline
// orchestrator, plus loaders for YAML run manifests.
//
// The configuration is organized into logical sections:
//   - Paging: page size and paging strategy
//   - Concurrency: global and per-resource parallelism budgets
//   - Retry: backoff schedule for transient transport failures
//   - RateLimit: admission gating for source/target calls
//   - Logging: log level and encoding
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Options is the configuration consumed by a publisher run.
type Options struct {
	// Paging controls page retrieval behavior
	Paging PagingOptions `yaml:"paging" json:"paging"`

	// Concurrency controls parallelism budgets
	Concurrency ConcurrencyOptions `yaml:"concurrency" json:"concurrency"`

	// Retry controls the transient-failure backoff schedule
	Retry RetryOptions `yaml:"retry" json:"retry"`

	// RateLimit gates admission of source/target calls
	RateLimit RateLimitOptions `yaml:"rate_limit" json:"rate_limit"`

	// ErrorCeiling stops further paging for a resource once its
	// error count crosses this value (0 = no ceiling)
	ErrorCeiling int `yaml:"error_ceiling" json:"error_ceiling"`

	// Logging controls log output
	Logging LoggingOptions `yaml:"logging" json:"logging"`
}

// PagingOptions contains page retrieval settings.
type PagingOptions struct {
	// PageSize is the limit used for each page request
	PageSize int `yaml:"page_size" json:"page_size"`
	// UseReversePaging fetches from a known total backward instead of
	// forward offset scanning
	UseReversePaging bool `yaml:"use_reverse_paging" json:"use_reverse_paging"`
}

// ConcurrencyOptions contains parallelism budgets.
type ConcurrencyOptions struct {
	// PageRetrievalParallelism bounds in-flight page fetches across all
	// resources being streamed concurrently
	PageRetrievalParallelism int `yaml:"page_retrieval_parallelism" json:"page_retrieval_parallelism"`
	// MaxPerResourceParallelism bounds fan-out within one resource's
	// apply stage
	MaxPerResourceParallelism int `yaml:"max_per_resource_parallelism" json:"max_per_resource_parallelism"`
	// StageQueueCapacity bounds each stage's input queue
	StageQueueCapacity int `yaml:"stage_queue_capacity" json:"stage_queue_capacity"`
}

// RetryOptions contains the exponential backoff schedule.
type RetryOptions struct {
	// StartingDelay is the delay before the first retry; attempt k
	// waits StartingDelay * 2^(k-1)
	StartingDelay time.Duration `yaml:"starting_delay" json:"starting_delay"`
	// MaxAttempts is the number of additional attempts after the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// RateLimitOptions contains rate limiter settings.
type RateLimitOptions struct {
	// Enabled turns the rate limiter on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// RequestsPerSecond is the sustained admission rate
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// Burst is the maximum number of requests admitted at once
	Burst int `yaml:"burst" json:"burst"`
	// MaxWait bounds how long a call may wait for admission before the
	// limiter rejects it (0 = reject immediately when no token)
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
}

// LoggingOptions contains log output settings.
type LoggingOptions struct {
	// Level sets logging verbosity (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`
	// Encoding selects json or console output
	Encoding string `yaml:"encoding" json:"encoding"`
	// Development enables colored, stack-traced output
	Development bool `yaml:"development" json:"development"`
}

// DefaultOptions returns Options with production-ready defaults.
func DefaultOptions() *Options {
	return &Options{
		Paging: PagingOptions{
			PageSize:         500,
			UseReversePaging: false,
		},
		Concurrency: ConcurrencyOptions{
			PageRetrievalParallelism:  runtime.NumCPU() * 2,
			MaxPerResourceParallelism: 4,
			StageQueueCapacity:        64,
		},
		Retry: RetryOptions{
			StartingDelay: 500 * time.Millisecond,
			MaxAttempts:   3,
		},
		RateLimit: RateLimitOptions{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             20,
			MaxWait:           5 * time.Second,
		},
		ErrorCeiling: 0,
		Logging: LoggingOptions{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate validates the configuration for correctness.
func (o *Options) Validate() error {
	if o.Paging.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if o.Concurrency.PageRetrievalParallelism <= 0 {
		return fmt.Errorf("page_retrieval_parallelism must be positive")
	}
	if o.Concurrency.MaxPerResourceParallelism <= 0 {
		return fmt.Errorf("max_per_resource_parallelism must be positive")
	}
	if o.Concurrency.StageQueueCapacity <= 0 {
		return fmt.Errorf("stage_queue_capacity must be positive")
	}
	if o.Retry.StartingDelay < 0 {
		return fmt.Errorf("starting_delay cannot be negative")
	}
	if o.Retry.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if o.RateLimit.Enabled {
		if o.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("requests_per_second must be positive when rate limiting is enabled")
		}
		if o.RateLimit.Burst <= 0 {
			return fmt.Errorf("burst must be positive when rate limiting is enabled")
		}
	}
	if o.ErrorCeiling < 0 {
		return fmt.Errorf("error_ceiling cannot be negative")
	}
	return nil
}
