package notes

import (
	"context"
	"sync"
)

// changeDispatcher fans store changes out to watchers. Each watcher channel holds at most
// one pending value; a newer value replaces an unread older one, so slow watchers
// observe the latest state and never an older state after a newer one.
type changeDispatcher struct {
	mu              sync.RWMutex
	noteSubscribers map[string]map[int64]chan Snapshot
	listSubscribers map[int64]chan []Note
	nextID          int64
}

func newChangeDispatcher() *changeDispatcher {
	return &changeDispatcher{
		noteSubscribers: make(map[string]map[int64]chan Snapshot),
		listSubscribers: make(map[int64]chan []Note),
	}
}

func (d *changeDispatcher) subscribeNote(ctx context.Context, title string, initial Snapshot) <-chan Snapshot {
	stream := make(chan Snapshot, 1)
	stream <- initial

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.noteSubscribers[title]; !ok {
		d.noteSubscribers[title] = make(map[int64]chan Snapshot)
	}
	d.noteSubscribers[title][id] = stream
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.unsubscribeNote(title, id)
	}()
	return stream
}

func (d *changeDispatcher) subscribeList(ctx context.Context, initial []Note) <-chan []Note {
	stream := make(chan []Note, 1)
	stream <- initial

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listSubscribers[id] = stream
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.unsubscribeList(id)
	}()
	return stream
}

func (d *changeDispatcher) hasListSubscribers() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listSubscribers) > 0
}

// Sends happen under the read lock; channels are closed only under the write lock.
func (d *changeDispatcher) publishNote(snapshot Snapshot) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.noteSubscribers[snapshot.Title] {
		OfferLatest(stream, snapshot)
	}
}

func (d *changeDispatcher) publishList(list []Note) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.listSubscribers {
		copied := make([]Note, len(list))
		copy(copied, list)
		OfferLatest(stream, copied)
	}
}

func (d *changeDispatcher) unsubscribeNote(title string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.noteSubscribers[title]
	if stream, ok := subscribers[id]; ok {
		delete(subscribers, id)
		close(stream)
	}
	if len(subscribers) == 0 {
		delete(d.noteSubscribers, title)
	}
}

func (d *changeDispatcher) unsubscribeList(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stream, ok := d.listSubscribers[id]; ok {
		delete(d.listSubscribers, id)
		close(stream)
	}
}

// OfferLatest places value in a single-slot channel, evicting an unread value if needed.
// Callers must serialize sends on stream.
func OfferLatest[T any](stream chan T, value T) {
	for {
		select {
		case stream <- value:
			return
		default:
		}
		select {
		case <-stream:
		default:
		}
	}
}
