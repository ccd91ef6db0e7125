package hue

import (
	"sync"

	"github.com/sirdoy/pannello-stufa-sub009/internal/models"
)

// Event reports a change in how the bridge is being reached.
type Event struct {
	Mode      models.ConnectionMode `json:"mode"`
	Reason    string                `json:"reason"`
	Reconnect bool                  `json:"reconnect,omitempty"`
	At        int64                 `json:"at"`
}

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped for it.
const subscriberBuffer = 8

// Events fans connectivity events out to live dashboard connections.
// A nil *Events discards everything.
type Events struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEvents returns an empty broadcaster.
func NewEvents() *Events {
	return &Events{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. Call cancel to unregister; the channel
// is closed afterwards.
func (e *Events) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (e *Events) Publish(ev Event) {
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
