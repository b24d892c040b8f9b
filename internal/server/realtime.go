package server

import (
	"context"
	"sync"
	"time"
)

const (
	realtimeEventHeartbeat   = "heartbeat"
	defaultHeartbeatInterval = 25 * time.Second
	realtimeBufferSize       = 16
)

// RealtimeMessage announces rows written for a user.
type RealtimeMessage struct {
	UserID     string
	Collection string
	IDs        []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans change announcements out to the event streams of
// the affected user. Slow subscribers miss messages; their next poll catches
// up.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan RealtimeMessage
	nextID      int64
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]chan RealtimeMessage),
	}
}

// Subscribe registers a stream for userID until ctx is done or the returned
// cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		stream := make(chan RealtimeMessage)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan RealtimeMessage, realtimeBufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[userID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unsubscribe(userID, id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to every stream of message.UserID without
// blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.Collection == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[message.UserID] {
		select {
		case stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) unsubscribe(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
