package server

import (
	"context"
	"sync"
	"time"
)

const (
	ingestEventName     = "ingest"
	heartbeatEventName  = "heartbeat"
	ingestNoticeBacklog = 16
)

// IngestNotice tells connected replicas that the authority accepted an
// upload and its head moved. Receivers use it as a hint to run a sync pass;
// missing a notice costs latency, never correctness.
type IngestNotice struct {
	ClientID     string    `json:"clientId"`
	ActionIDs    []string  `json:"actionIds"`
	HeadIngestID uint64    `json:"headIngestId"`
	Timestamp    time.Time `json:"timestamp"`
}

// IngestDispatcher fans accepted-upload notices out to subscribed replicas.
// A slow subscriber drops notices instead of blocking ingestion.
type IngestDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*ingestSubscriber
	nextID      int64
}

type ingestSubscriber struct {
	id     int64
	stream chan IngestNotice
}

func NewIngestDispatcher() *IngestDispatcher {
	return &IngestDispatcher{
		subscribers: make(map[int64]*ingestSubscriber),
	}
}

func (d *IngestDispatcher) Subscribe(ctx context.Context) (<-chan IngestNotice, func()) {
	subscriber := &ingestSubscriber{
		id:     d.nextSequence(),
		stream: make(chan IngestNotice, ingestNoticeBacklog),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *IngestDispatcher) Publish(notice IngestNotice) {
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*ingestSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notice:
		default:
		}
	}
}

func (d *IngestDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *IngestDispatcher) registerSubscriber(subscriber *ingestSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *IngestDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
