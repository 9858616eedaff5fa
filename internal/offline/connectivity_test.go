package offline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatusMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	monitor := NewStatusMonitor(true)
	var received []string
	monitor.OnStatusChange(func(online bool) {
		if online {
			received = append(received, "first:online")
		} else {
			received = append(received, "first:offline")
		}
	})
	monitor.OnStatusChange(func(online bool) {
		received = append(received, "second")
	})

	if monitor.SetOnline(true) {
		t.Fatalf("expected repeated signal to be ignored")
	}
	if !monitor.SetOnline(false) {
		t.Fatalf("expected transition to be reported")
	}
	monitor.SetOnline(false)
	monitor.SetOnline(true)

	expected := []string{"first:offline", "second", "first:online", "second"}
	if len(received) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, received)
	}
	for index := range expected {
		if received[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, received)
		}
	}
}

func TestStatusMonitorUnsubscribeIsIdempotent(t *testing.T) {
	monitor := NewStatusMonitor(false)
	calls := 0
	unsubscribe := monitor.OnStatusChange(func(bool) { calls++ })
	kept := 0
	monitor.OnStatusChange(func(bool) { kept++ })

	unsubscribe()
	unsubscribe()
	monitor.SetOnline(true)
	if calls != 0 {
		t.Fatalf("expected unsubscribed callback to stay silent, got %d calls", calls)
	}
	if kept != 1 {
		t.Fatalf("expected remaining subscriber to fire once, got %d", kept)
	}
}

func TestStatusMonitorCallbackMayReenter(t *testing.T) {
	monitor := NewStatusMonitor(false)
	observed := false
	monitor.OnStatusChange(func(bool) {
		observed = monitor.IsOnline()
	})
	monitor.SetOnline(true)
	if !observed {
		t.Fatalf("expected callback to observe the new state")
	}
}

func TestStatusMonitorDeliversConcurrentReportsInOrder(t *testing.T) {
	monitor := NewStatusMonitor(false)
	var mu sync.Mutex
	var delivered []bool
	monitor.OnStatusChange(func(online bool) {
		mu.Lock()
		delivered = append(delivered, online)
		mu.Unlock()
	})

	var reporters sync.WaitGroup
	for reporter := 0; reporter < 8; reporter++ {
		reporters.Add(1)
		go func(online bool) {
			defer reporters.Done()
			for round := 0; round < 200; round++ {
				monitor.SetOnline(online)
				online = !online
			}
		}(reporter%2 == 0)
	}
	reporters.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) == 0 {
		t.Fatalf("expected at least one transition")
	}
	if delivered[0] != true {
		t.Fatalf("expected first delivered transition to leave the initial state")
	}
	for index := 1; index < len(delivered); index++ {
		if delivered[index] == delivered[index-1] {
			t.Fatalf("transition %d repeats %v; callbacks saw transitions out of order", index, delivered[index])
		}
	}
	if last := delivered[len(delivered)-1]; last != monitor.IsOnline() {
		t.Fatalf("last delivered %v disagrees with monitor state %v", last, monitor.IsOnline())
	}
}

func TestStatusMonitorReportFromCallbackIsDeliveredAfterCurrent(t *testing.T) {
	monitor := NewStatusMonitor(false)
	var delivered []bool
	monitor.OnStatusChange(func(online bool) {
		delivered = append(delivered, online)
		if online {
			monitor.SetOnline(false)
		}
	})
	monitor.SetOnline(true)
	if len(delivered) != 2 || delivered[0] != true || delivered[1] != false {
		t.Fatalf("expected [true false], got %v", delivered)
	}
	if monitor.IsOnline() {
		t.Fatalf("expected monitor to end offline")
	}
}

type stubPinger struct {
	mu  sync.Mutex
	err error
}

func (p *stubPinger) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *stubPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestConnectivityProberReportsPingOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	monitor := NewStatusMonitor(false)
	pinger := &stubPinger{}
	prober, err := NewConnectivityProber(ProberConfig{Monitor: monitor, Pinger: pinger, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct prober: %v", err)
	}
	ctx := context.Background()

	if !prober.ProbeOnce(ctx) || !monitor.IsOnline() {
		t.Fatalf("expected successful ping to report online")
	}
	pinger.set(errors.New("connection refused"))
	if prober.ProbeOnce(ctx) || monitor.IsOnline() {
		t.Fatalf("expected failed ping to report offline")
	}
	if logs.FilterMessage("backend reachable").Len() != 1 || logs.FilterMessage("backend unreachable").Len() != 1 {
		t.Fatalf("expected one log per transition, got %d entries", logs.Len())
	}
}

func TestConnectivityProberIgnoresCancelledProbe(t *testing.T) {
	monitor := NewStatusMonitor(true)
	pinger := &stubPinger{err: context.Canceled}
	prober, err := NewConnectivityProber(ProberConfig{Monitor: monitor, Pinger: pinger})
	if err != nil {
		t.Fatalf("failed to construct prober: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !prober.ProbeOnce(ctx) || !monitor.IsOnline() {
		t.Fatalf("expected shutdown probe to leave state untouched")
	}
}

func TestNewConnectivityProberValidatesConfig(t *testing.T) {
	if _, err := NewConnectivityProber(ProberConfig{Pinger: &stubPinger{}}); !errors.Is(err, errMissingMonitor) {
		t.Fatalf("expected missing monitor error, got %v", err)
	}
	if _, err := NewConnectivityProber(ProberConfig{Monitor: NewStatusMonitor(true)}); !errors.Is(err, errMissingPinger) {
		t.Fatalf("expected missing pinger error, got %v", err)
	}
}
