package server

import (
	"context"
	"sync"
	"time"

	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
)

const (
	RealtimeEventPeerSynced = "peer-synced"
	realtimeEventHeartbeat  = "heartbeat"
	realtimeSource          = "bluenote-peer"
)

// RealtimeMessage is one event pushed to /sync/events subscribers.
type RealtimeMessage struct {
	EventType string
	Report    notesync.PeerReport
	Timestamp time.Time
}

// RealtimeDispatcher fans sync results out to every open event stream. Slow
// subscribers drop messages instead of blocking the orchestrator.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

var _ notesync.Observer = (*RealtimeDispatcher)(nil)

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
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

// Publish delivers message to every subscriber with room in its buffer.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PeerSynced publishes the outcome of one peer pass.
func (d *RealtimeDispatcher) PeerSynced(report notesync.PeerReport) {
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventPeerSynced,
		Report:    report,
		Timestamp: d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
