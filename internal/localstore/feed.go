package localstore

import (
	"context"
	"sync"
)

// Change describes one committed document write.
type Change struct {
	Collection string
	DocumentID string
	Owner      string
	// Remote is set for writes applied from a replication pull.
	Remote bool
}

// ChangeFeed fans committed writes out to in-process subscribers keyed by
// owner. Delivery is best effort: a full subscriber buffer drops the change.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan Change
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers for changes to documents owned by owner ("" for
// unowned documents). The subscription ends when ctx is done or the returned
// cancel function is called.
func (f *ChangeFeed) Subscribe(ctx context.Context, owner string) (<-chan Change, func()) {
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan Change, f.bufferSize),
	}
	f.registerSubscriber(owner, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregisterSubscriber(owner, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers change to the owner's subscribers without blocking.
func (f *ChangeFeed) Publish(change Change) {
	if change.Collection == "" {
		return
	}
	f.mu.RLock()
	subscribers := f.subscribers[change.Owner]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *ChangeFeed) registerSubscriber(owner string, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[owner]; !ok {
		f.subscribers[owner] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[owner][subscriber.id] = subscriber
}

func (f *ChangeFeed) unregisterSubscriber(owner string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[owner]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, owner)
		}
	}
	f.mu.Unlock()
}
