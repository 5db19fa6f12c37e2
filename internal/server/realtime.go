package server

import (
	"context"
	"sync"
	"time"
)

const realtimeEventChanges = "sync-changes"

// RealtimeMessage announces newly committed change-log entries for a workspace.
type RealtimeMessage struct {
	WorkspaceID   string
	ServerVersion int64
	Timestamp     time.Time
}

// RealtimeDispatcher fans push commit notifications out to workspace
// subscribers. Delivery is best effort: a subscriber with a full buffer
// misses the nudge and catches up on the next one, because subscribers
// always re-read the change log from their own cursor.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// ChangesCommitted implements the sync service's notifier hook.
func (d *RealtimeDispatcher) ChangesCommitted(workspaceID string, serverVersion int64) {
	d.Publish(RealtimeMessage{
		WorkspaceID:   workspaceID,
		ServerVersion: serverVersion,
		Timestamp:     time.Now().UTC(),
	})
}

// Subscribe registers a listener for the workspace until the context ends.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, workspaceID string) (<-chan RealtimeMessage, func()) {
	if workspaceID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(workspaceID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(workspaceID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of its workspace.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.WorkspaceID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.WorkspaceID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(workspaceID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[workspaceID]; !ok {
		d.subscribers[workspaceID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[workspaceID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(workspaceID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[workspaceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, workspaceID)
		}
	}
	d.mu.Unlock()
}
