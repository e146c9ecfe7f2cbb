// Package connectivity reports whether the remote is reachable and
// broadcasts online/offline transitions.
package connectivity

import "sync"

// Monitor is a source of connectivity state.
type Monitor interface {
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// transition, and a function that cancels the subscription. A slow
	// subscriber only ever sees the latest state.
	Subscribe() (<-chan bool, func())
}

type broadcaster struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, subs: make(map[int]chan bool)}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// set records the new state and reports whether it changed.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.online == online {
		return false
	}
	b.online = online
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Manual is a Monitor driven by the host, which pushes transitions with Set.
type Manual struct {
	*broadcaster
}

// NewManual returns a monitor starting in the given state.
func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// Set updates the state, notifying subscribers on a transition.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

var (
	_ Monitor = (*Manual)(nil)
	_ Monitor = (*Probe)(nil)
)
