package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
)

const (
	sseEventHeartbeat     = "heartbeat"
	defaultEventBuffer    = 16
	defaultHeartbeatEvery = 25
)

// StatusDispatcher fans scheduler events out to connected stream clients.
// Slow subscribers drop events instead of blocking the scheduler.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan offline.Event
}

var _ offline.EventPublisher = (*StatusDispatcher)(nil)

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  defaultEventBuffer,
	}
}

// Subscribe registers a stream that lives until ctx ends or cleanup is called.
func (d *StatusDispatcher) Subscribe(ctx context.Context) (<-chan offline.Event, func()) {
	d.mu.Lock()
	d.nextID++
	subscriber := &statusSubscriber{
		id:     d.nextID,
		stream: make(chan offline.Event, d.bufferSize),
	}
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *StatusDispatcher) Publish(event offline.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*statusSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of connected streams.
func (d *StatusDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
