// Package bus is an in-process publish/subscribe hub for task change
// notifications. The store publishes after each committed mutation; the
// websocket feed and metrics subscribe.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Task event topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskCompleted = "task.completed"
	TopicTaskDeleted   = "task.deleted"

	TopicTaskPrefix = "task."
)

// Event is a message published on the bus. Owner scopes delivery for
// owner-filtered subscriptions; it is empty for system-wide events.
type Event struct {
	Topic   string
	Owner   string
	Payload any
}

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	TaskID    int64     `json:"task_id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	At        time.Time `json:"at"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	owner  string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(ev Event) bool {
	if s.prefix != "" && !strings.HasPrefix(ev.Topic, s.prefix) {
		return false
	}
	return s.owner == "" || s.owner == ev.Owner
}

// Bus fans events out to subscribers by topic prefix and, optionally, owner.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for every event whose topic starts with
// topicPrefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeOwner("", topicPrefix)
}

// SubscribeOwner is Subscribe restricted to events published for owner.
// Slow consumers miss events once their 100-event buffer is full.
func (b *Bus) SubscribeOwner(owner, topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		owner:  owner,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus discards the event.
func (b *Bus) Publish(topic, owner string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Owner: owner, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
