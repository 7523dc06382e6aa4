package common

import (
	"time"
)

// TimeoutConfig holds the gateway-wide timeouts. Per-server values in the
// pool configuration take precedence where they are set.
type TimeoutConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	ResponseTimeout   time.Duration `yaml:"response_timeout,omitempty"`
	QueueTimeout      time.Duration `yaml:"queue_timeout,omitempty"`
	QueuePollInterval time.Duration `yaml:"queue_poll_interval,omitempty"`
	ChunkWriteTimeout time.Duration `yaml:"chunk_write_timeout,omitempty"`
	MaxChunkTimeout   time.Duration `yaml:"max_chunk_timeout,omitempty"`
	SSEPollInterval   time.Duration `yaml:"sse_poll_interval,omitempty"`
	WSReadPoll        time.Duration `yaml:"ws_read_poll,omitempty"`
	ClientProbe       time.Duration `yaml:"client_probe,omitempty"`
	ClientReadTimeout time.Duration `yaml:"client_read_timeout,omitempty"`
}

// DefaultTimeouts returns a default timeout configuration
func DefaultTimeouts() *TimeoutConfig {
	return &TimeoutConfig{
		ConnectTimeout:    10 * time.Second,
		ResponseTimeout:   5 * time.Minute,
		QueueTimeout:      30 * time.Second,
		QueuePollInterval: 50 * time.Millisecond,
		ChunkWriteTimeout: 30 * time.Second,
		MaxChunkTimeout:   10 * time.Minute,
		SSEPollInterval:   time.Second,
		WSReadPoll:        time.Second,
		ClientProbe:       10 * time.Millisecond,
		ClientReadTimeout: 2 * time.Minute,
	}
}

// ApplyDefaults fills zero fields from DefaultTimeouts.
func (c *TimeoutConfig) ApplyDefaults() {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.ConnectTimeout, d.ConnectTimeout)
	fill(&c.ResponseTimeout, d.ResponseTimeout)
	fill(&c.QueueTimeout, d.QueueTimeout)
	fill(&c.QueuePollInterval, d.QueuePollInterval)
	fill(&c.ChunkWriteTimeout, d.ChunkWriteTimeout)
	fill(&c.MaxChunkTimeout, d.MaxChunkTimeout)
	fill(&c.SSEPollInterval, d.SSEPollInterval)
	fill(&c.WSReadPoll, d.WSReadPoll)
	fill(&c.ClientProbe, d.ClientProbe)
	fill(&c.ClientReadTimeout, d.ClientReadTimeout)
}

// ResponseTimeoutFor returns the server's own response timeout if set, else
// the gateway default.
func ResponseTimeoutFor(server time.Duration, config *TimeoutConfig) time.Duration {
	if server > 0 {
		return server
	}
	if config == nil {
		config = DefaultTimeouts()
	}
	return config.ResponseTimeout
}

// CalculateChunkTimeout returns the deadline for shipping one request body
// segment: the base write timeout plus one second per 32KB, capped at
// MaxChunkTimeout.
func CalculateChunkTimeout(size int, config *TimeoutConfig) time.Duration {
	if config == nil {
		config = DefaultTimeouts()
	}
	timeout := config.ChunkWriteTimeout
	if size > 0 {
		timeout += time.Duration(size/32768) * time.Second
	}
	if config.MaxChunkTimeout > 0 && timeout > config.MaxChunkTimeout {
		timeout = config.MaxChunkTimeout
	}
	return timeout
}

// AdaptiveTimeout stretches a server's connect timeout while consecutive
// connect attempts keep failing.
type AdaptiveTimeout struct {
	baseTimeout      time.Duration
	maxTimeout       time.Duration
	failureCount     int
	successCount     int
	consecutiveFails int
}

// NewAdaptiveTimeout creates a new adaptive timeout manager
func NewAdaptiveTimeout(baseTimeout, maxTimeout time.Duration) *AdaptiveTimeout {
	return &AdaptiveTimeout{
		baseTimeout: baseTimeout,
		maxTimeout:  maxTimeout,
	}
}

// GetTimeout returns the current adaptive timeout
func (at *AdaptiveTimeout) GetTimeout() time.Duration {
	switch {
	case at.consecutiveFails > 5:
		return at.maxTimeout
	case at.consecutiveFails > 2:
		return at.baseTimeout + at.baseTimeout/2
	default:
		return at.baseTimeout
	}
}

// RecordSuccess records a successful connect
func (at *AdaptiveTimeout) RecordSuccess() {
	at.successCount++
	at.consecutiveFails = 0
}

// RecordFailure records a failed connect
func (at *AdaptiveTimeout) RecordFailure() {
	at.failureCount++
	at.consecutiveFails++
}

// GetStats returns success/failure statistics
func (at *AdaptiveTimeout) GetStats() (successes, failures, consecutiveFailures int) {
	return at.successCount, at.failureCount, at.consecutiveFails
}
