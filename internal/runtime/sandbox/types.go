package sandbox

import (
	"errors"
	"time"
)

var (
	// ErrJobTimeout is the interrupt value of a job that ran too long
	ErrJobTimeout = errors.New("script exceeded its time limit")
	// ErrContextClosed is returned by operations on a closed context
	ErrContextClosed = errors.New("sandbox context closed")
)

// Config defines sandbox configuration
type Config struct {
	JobTimeout       time.Duration // CPU limit of a single job
	MaxCallStackSize int           // Maximum JS call depth
	QueueSize        int           // Pending jobs before senders block
	MaxTimers        int           // Live timers per context
	EnableConsole    bool          // Route console.* to the logger
}

// LogEntry is one console call made by module code
type LogEntry struct {
	Level   string    // log, info, warn, error, debug
	Message string    // Joined arguments
	Time    time.Time // When it was logged
}

// DefaultConfig returns the configuration used by the server
func DefaultConfig() Config {
	return Config{
		JobTimeout:       2 * time.Second,
		MaxCallStackSize: 1024,
		QueueSize:        256,
		MaxTimers:        1024,
		EnableConsole:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = d.MaxCallStackSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxTimers <= 0 {
		c.MaxTimers = d.MaxTimers
	}
	return c
}
