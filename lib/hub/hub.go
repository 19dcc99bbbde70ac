// Package hub is a small in-process publish/subscribe hub for map scoped chat.
//
// Topics are created on first use and live for the lifetime of the hub.
// Delivery is best effort: a subscriber whose buffer is full misses the message.
package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/mucore/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("hub")

// DefaultCapacity is the per subscriber buffer size
const DefaultCapacity = 1024

// Message is a chat line published into a map
type Message struct {
	FromSessionID uint64
	Route         protocol.RouteKey
	Payload       protocol.ChatPayload
}

// LocalMapTopic returns the topic name of a map instance
func LocalMapTopic(route protocol.RouteKey) string {
	return fmt.Sprintf("local:%d:%d:%d:%d", route.WorldID, route.EntryID, route.MapID, route.InstanceID)
}

type topic struct {
	mu   sync.RWMutex
	subs map[uint64]chan Message
}

// Hub fans out messages to the subscribers of a topic
type Hub struct {
	topics   *xsync.MapOf[string, *topic]
	capacity int
	nextID   atomic.Uint64
}

// New creates a hub. A capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		topics:   xsync.NewMapOf[string, *topic](),
		capacity: capacity,
	}
}

func (h *Hub) topic(name string) *topic {
	t, _ := h.topics.LoadOrCompute(name, func() *topic {
		return &topic{subs: make(map[uint64]chan Message)}
	})
	return t
}

// Subscribe registers a new subscriber on a topic. The returned cancel func
// removes the subscription and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(name string) (<-chan Message, func()) {
	t := h.topic(name)
	id := h.nextID.Add(1)
	ch := make(chan Message, h.capacity)

	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers msg to every subscriber of the topic and returns how many received it
func (h *Hub) Publish(name string, msg Message) int {
	t := h.topic(name)

	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for id, ch := range t.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			log.Debugf("subscriber %d on %s is lagging, dropped message", id, name)
		}
	}
	return delivered
}

// PublishLocal publishes msg on the topic of its route
func (h *Hub) PublishLocal(msg Message) int {
	return h.Publish(LocalMapTopic(msg.Route), msg)
}

// Subscribers returns the number of subscribers of a topic
func (h *Hub) Subscribers(name string) int {
	t, ok := h.topics.Load(name)
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
