// Package broadcast carries change notifications between the sync core and
// every open view of the ledger: in-process subscribers, websocket clients
// and other processes sharing the same database file.
package broadcast

import (
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/logging"
)

// Topic groups messages.
type Topic string

const (
	// TopicData carries REFRESH and FORCE_REFRESH.
	TopicData Topic = "data"
	// TopicMode carries network mode names.
	TopicMode Topic = "mode"
)

// Data topic message types.
const (
	Refresh      = "REFRESH"
	ForceRefresh = "FORCE_REFRESH"
)

// Message is one notification. For TopicMode, Type is the mode name.
type Message struct {
	Topic  Topic  `json:"topic"`
	Type   string `json:"type"`
	Origin string `json:"origin,omitempty"`
	At     int64  `json:"at"`
}

// Handler receives messages for a subscribed topic.
type Handler func(Message)

// Bus publishes messages to subscribers. Delivery is at-least-once;
// handlers must tolerate repeats.
type Bus interface {
	Publish(topic Topic, msg Message)
	Subscribe(topic Topic, h Handler) (cancel func())
}

// LocalBus delivers synchronously to in-process subscribers in subscription order.
type LocalBus struct {
	mu     sync.RWMutex
	seq    int
	subs   map[Topic][]subscription
	origin string
}

type subscription struct {
	id int
	h  Handler
}

// NewLocalBus creates a bus; origin tags messages published without one.
func NewLocalBus(origin string) *LocalBus {
	return &LocalBus{subs: make(map[Topic][]subscription), origin: origin}
}

// Publish delivers msg to every subscriber of topic.
func (b *LocalBus) Publish(topic Topic, msg Message) {
	msg.Topic = topic
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	if msg.At == 0 {
		msg.At = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.h, msg)
	}
}

func deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("broadcast handler panicked", map[string]interface{}{
				"topic": msg.Topic,
				"type":  msg.Type,
				"panic": r,
			})
		}
	}()
	h(msg)
}

// Subscribe registers h for topic. The returned cancel is idempotent.
func (b *LocalBus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[topic] = append(b.subs[topic], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribers returns the number of handlers on topic.
func (b *LocalBus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// PublishRefresh is shorthand for a REFRESH on the data topic.
func PublishRefresh(b Bus) {
	b.Publish(TopicData, Message{Type: Refresh})
}

// PublishForceRefresh is shorthand for a FORCE_REFRESH on the data topic.
func PublishForceRefresh(b Bus) {
	b.Publish(TopicData, Message{Type: ForceRefresh})
}
