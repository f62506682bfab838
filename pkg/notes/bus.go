package notes

import "sync"

// ChangeKind classifies a change notification.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeMetaUpdated ChangeKind = "meta_updated"
	ChangeDeleted     ChangeKind = "deleted"
	ChangeTouched     ChangeKind = "touched"
)

// Change is published once per affected note per operation, after the owning
// transaction commits. Subscribers must tolerate ids they don't care about.
type Change struct {
	ID   string     `json:"id"`
	Kind ChangeKind `json:"kind"`
}

// Bus is the process-local publish/subscribe channel for change
// notifications. Delivery is best-effort: a subscriber that stops draining
// its channel loses notifications rather than blocking the write path.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Change)}
}

// Subscribe registers a subscriber. The returned cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Change, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish fans the change out to every subscriber without blocking.
func (b *Bus) Publish(changes ...Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range changes {
		for _, sub := range b.subs {
			select {
			case sub <- ch:
			default:
			}
		}
	}
}
