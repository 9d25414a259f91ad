// Package timeconfig centralizes the handful of durations the transport
// package parameterizes, so tests can run with short timeouts without
// touching production defaults.
package timeconfig

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the durations used across pkg/transport/ssh.
type Config struct {
	DialTimeout      time.Duration
	AsyncIdleTimeout time.Duration
	KexWaitPoll      time.Duration
}

var (
	mu      sync.RWMutex
	current *Config
	once    sync.Once
)

// IsTestMode reports whether the process is running under `go test`.
func IsTestMode() bool {
	if val := os.Getenv("SSHTRANSPORT_TEST_MODE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	for _, arg := range os.Args {
		if strings.HasSuffix(arg, ".test") || strings.Contains(arg, "-test.") {
			return true
		}
	}
	return false
}

// Get returns the process-wide config, built lazily from the environment.
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		current = build()
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set overrides the process-wide config; intended for tests.
func Set(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

func build() *Config {
	if IsTestMode() {
		return &Config{
			DialTimeout:      500 * time.Millisecond,
			AsyncIdleTimeout: 50 * time.Millisecond,
			KexWaitPoll:      5 * time.Millisecond,
		}
	}
	return &Config{
		DialTimeout:      10 * time.Second,
		AsyncIdleTimeout: 2 * time.Second,
		KexWaitPoll:      50 * time.Millisecond,
	}
}
