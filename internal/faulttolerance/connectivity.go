package faulttolerance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultProbeTargets are public DNS resolvers answering plain HTTP.
var DefaultProbeTargets = []string{
	"http://1.1.1.1",
	"http://1.0.0.1",
	"http://8.8.8.8",
	"http://8.8.4.4",
	"http://9.9.9.9",
	"http://149.112.112.112",
	"http://208.67.222.222",
	"http://208.67.220.220",
}

// ConnectivityConfig configures the internet probe.
type ConnectivityConfig struct {
	Targets  []string      // Base URLs probed in order until one answers
	Interval time.Duration // Time between probes
	Timeout  time.Duration // Per-target request timeout
}

// DefaultConnectivityConfig probes once per second.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		Targets:  DefaultProbeTargets,
		Interval: time.Second,
		Timeout:  time.Second,
	}
}

// ConnectivityMonitor watches internet reachability and runs hooks on every
// transition. Any HTTP response, whatever its status, counts as connected.
type ConnectivityMonitor struct {
	config ConnectivityConfig
	client *http.Client
	logger logrus.FieldLogger

	mutex          sync.RWMutex
	connected      bool
	known          bool
	onConnected    []func()
	onDisconnected []func()
}

// NewConnectivityMonitor creates a monitor. It assumes connectivity until
// the first probe says otherwise.
func NewConnectivityMonitor(config ConnectivityConfig, logger logrus.FieldLogger) *ConnectivityMonitor {
	if len(config.Targets) == 0 {
		config.Targets = DefaultProbeTargets
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}

	return &ConnectivityMonitor{
		config:    config,
		client:    &http.Client{Timeout: config.Timeout},
		logger:    logger,
		connected: true,
	}
}

// OnConnected registers a hook run when connectivity comes back.
func (m *ConnectivityMonitor) OnConnected(fn func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// OnDisconnected registers a hook run when connectivity is lost.
func (m *ConnectivityMonitor) OnDisconnected(fn func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onDisconnected = append(m.onDisconnected, fn)
}

// IsConnected returns the last observed state.
func (m *ConnectivityMonitor) IsConnected() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.connected
}

// Run probes until ctx is cancelled.
func (m *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single probe and fires hooks on a state change.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	up := m.probe(ctx)
	if ctx.Err() != nil {
		return m.IsConnected()
	}

	m.mutex.Lock()
	changed := !m.known || m.connected != up
	m.known = true
	m.connected = up
	var hooks []func()
	if changed {
		if up {
			hooks = append(hooks, m.onConnected...)
		} else {
			hooks = append(hooks, m.onDisconnected...)
		}
	}
	m.mutex.Unlock()

	if changed {
		if up {
			m.logger.Info("Internet connection is available")
		} else {
			m.logger.Warn("Internet connection is lost")
		}
	}
	for _, fn := range hooks {
		fn()
	}
	return up
}

func (m *ConnectivityMonitor) probe(ctx context.Context) bool {
	for _, target := range m.config.Targets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			continue
		}
		resp, err := m.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		return true
	}
	return false
}
