package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Connectivity reports the platform's online signal and its transitions.
type Connectivity interface {
	IsOnline() bool
	OnStatusChange(callback func(online bool)) (unsubscribe func())
}

// StatusMonitor tracks the last reported connectivity signal and notifies
// subscribers on genuine transitions only.
type StatusMonitor struct {
	mu          sync.Mutex
	online      bool
	nextID      int64
	subscribers []statusSubscriber
	// undelivered holds recorded transitions not yet handed to subscribers.
	undelivered []bool
	delivering  bool
}

type statusSubscriber struct {
	id       int64
	callback func(bool)
}

// NewStatusMonitor constructs a monitor starting at the given state.
func NewStatusMonitor(initiallyOnline bool) *StatusMonitor {
	return &StatusMonitor{online: initiallyOnline}
}

// IsOnline returns the last reported signal.
func (m *StatusMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnStatusChange registers callback for future transitions. Callbacks run in
// registration order on the goroutine delivering the transition.
func (m *StatusMonitor) OnStatusChange(callback func(online bool)) func() {
	if callback == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers = append(m.subscribers, statusSubscriber{id: id, callback: callback})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.unsubscribe(id)
		})
	}
}

// SetOnline records a platform signal and reports whether it was a transition.
// Transitions reach subscribers one at a time in the order they were recorded.
// A report made while another goroutine is delivering is handed to that
// goroutine, so concurrent reporters never interleave callbacks.
func (m *StatusMonitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.undelivered = append(m.undelivered, online)
	if m.delivering {
		m.mu.Unlock()
		return true
	}
	m.delivering = true
	for len(m.undelivered) > 0 {
		next := m.undelivered[0]
		m.undelivered = m.undelivered[1:]
		callbacks := make([]func(bool), 0, len(m.subscribers))
		for _, subscriber := range m.subscribers {
			callbacks = append(callbacks, subscriber.callback)
		}
		m.mu.Unlock()
		for _, callback := range callbacks {
			callback(next)
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
	return true
}

func (m *StatusMonitor) unsubscribe(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for index, subscriber := range m.subscribers {
		if subscriber.id == id {
			m.subscribers = append(m.subscribers[:index:index], m.subscribers[index+1:]...)
			return
		}
	}
}

// Pinger checks whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig describes a ConnectivityProber.
type ProberConfig struct {
	Monitor  *StatusMonitor
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// ConnectivityProber feeds a StatusMonitor from periodic backend pings.
type ConnectivityProber struct {
	monitor  *StatusMonitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewConnectivityProber validates cfg and returns a prober.
func NewConnectivityProber(cfg ProberConfig) (*ConnectivityProber, error) {
	if cfg.Monitor == nil {
		return nil, newServiceError(opProberNew, "missing_monitor", errMissingMonitor)
	}
	if cfg.Pinger == nil {
		return nil, newServiceError(opProberNew, "missing_pinger", errMissingPinger)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &ConnectivityProber{
		monitor:  cfg.Monitor,
		pinger:   cfg.Pinger,
		interval: interval,
		timeout:  timeout,
		logger:   loggerOrNop(cfg.Logger),
	}, nil
}

// ProbeOnce pings the backend and reports the result to the monitor.
func (p *ConnectivityProber) ProbeOnce(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return p.monitor.IsOnline()
	}
	online := err == nil
	if p.monitor.SetOnline(online) {
		if online {
			p.logger.Info("backend reachable")
		} else {
			p.logger.Warn("backend unreachable", zap.Error(err))
		}
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *ConnectivityProber) Run(ctx context.Context) error {
	p.ProbeOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
