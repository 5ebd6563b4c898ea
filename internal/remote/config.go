package remote

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection and reconnect limits for a Session.
type Config struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	// ReconnectAttempts bounds reconnects per operation. Zero disables reconnect.
	ReconnectAttempts int
	Backoff           BackoffConfig
}

// DefaultConfig allows exactly one reconnect per operation.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		ReconnectAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations from DefaultConfig. ReconnectAttempts is kept as given,
// negative values are clamped to zero.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.Multiplier == 0 && c.Backoff.MaxDelay == 0 {
		c.Backoff = def.Backoff
	}
	return c
}
