// Package netmon watches reachability of the remote store.
//
// The monitor probes the remote endpoint on a fixed interval and publishes
// edge transitions only: consumers see one false when the link drops and
// one true when it comes back, never a stream of repeats.
package netmon

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// DefaultInterval is how often the probe runs.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds a single probe attempt.
	DefaultTimeout = 3 * time.Second
)

// Config holds configuration for the connectivity monitor.
type Config struct {
	// Addr is the host:port the default probe dials.
	Addr string

	// Interval between probes.
	Interval time.Duration

	// Timeout for a single probe.
	Timeout time.Duration

	// Probe overrides the default TCP dial. It reports whether the remote
	// is reachable. Tests inject their own.
	Probe func(ctx context.Context) bool

	// Logger for transitions.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given address.
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:     addr,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Monitor polls the remote endpoint and reports connectivity transitions.
type Monitor struct {
	probe    func(ctx context.Context) bool
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool

	changes chan bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// New creates a monitor. It does not probe until Start is called; until
// then the link is assumed online so startup isn't gated on the first
// probe.
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	probe := config.Probe
	if probe == nil {
		addr := config.Addr
		timeout := config.Timeout
		probe = func(ctx context.Context) bool {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		}
	}

	return &Monitor{
		probe:    probe,
		interval: config.Interval,
		logger:   config.Logger,
		online:   true,
		changes:  make(chan bool, 4),
		done:     make(chan struct{}),
	}
}

// Online reports the last observed link state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes returns the transition channel. Each value is the new state.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Start launches the probe loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.watch(ctx)
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() error {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		} else {
			close(m.done)
		}
	})
	return nil
}

func (m *Monitor) watch(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one probe and publishes the state if it changed.
func (m *Monitor) check(ctx context.Context) {
	up := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	changed := up != m.online
	m.online = up
	m.mu.Unlock()

	if !changed {
		return
	}
	if up {
		m.logger.Printf("Remote reachable again")
	} else {
		m.logger.Printf("Remote unreachable")
	}

	select {
	case m.changes <- up:
	case <-ctx.Done():
	}
}
