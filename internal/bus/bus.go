// Package bus is the in-process event bus. KB mutations, Git operations
// and agent lifecycle transitions are published here; indexers and other
// background listeners subscribe. No persistence, no replay.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Topic identifies an event stream.
type Topic string

const (
	TopicKBFileCreated   Topic = "kb.file.created"
	TopicKBFileModified  Topic = "kb.file.modified"
	TopicKBFileDeleted   Topic = "kb.file.deleted"
	TopicKBFolderCreated Topic = "kb.folder.created"
	TopicKBFolderDeleted Topic = "kb.folder.deleted"
	TopicKBFolderMoved   Topic = "kb.folder.moved"
	TopicKBGitCommit     Topic = "kb.git.commit"
	TopicKBGitPull       Topic = "kb.git.pull"
	TopicKBGitPush       Topic = "kb.git.push"
	TopicAgentStarted    Topic = "agent.started"
	TopicAgentToolCall   Topic = "agent.tool.call"
	TopicAgentToolResult Topic = "agent.tool.result"
	TopicAgentFinished   Topic = "agent.finished"
)

// Event is one bus message. Path is KB-relative for kb.* topics.
type Event struct {
	Topic  Topic          `json:"topic"`
	UserID int64          `json:"user_id,omitempty"`
	KBID   string         `json:"kb_id,omitempty"`
	Path   string         `json:"path,omitempty"`
	Source string         `json:"source,omitempty"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine; a slow handler slows the publisher.
type Handler func(Event)

// Publisher is the narrow port components publish through, so emitters
// stay decoupled from the full Bus surface in tests.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	id int64
	fn Handler
}

// Bus fans events out to subscribers. A panicking subscriber is logged
// and skipped; it never interrupts other subscribers or the publisher.
// Events published from a single goroutine are observed in publish order
// by every subscriber.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[Topic][]subscriber
	all    []subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// Subscribe registers fn for one topic. The returned function cancels the
// subscription; events already being dispatched may still arrive.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	return func() { b.unsubscribe(topic, id) }
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriber{id: id, fn: fn})
	return func() { b.unsubscribe("", id) }
}

func (b *Bus) unsubscribe(topic Topic, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.all = removeSub(b.all, id)
		return
	}
	b.subs[topic] = removeSub(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

func removeSub(list []subscriber, id int64) []subscriber {
	for i, s := range list {
		if s.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Publish delivers evt to every subscriber of its topic, then to wildcard
// subscribers, in subscription order. Zero Time is stamped here.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[evt.Topic])+len(b.all))
	targets = append(targets, b.subs[evt.Topic]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		dispatch(s, evt)
	}
}

func dispatch(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.subscriber.panic",
				"topic", evt.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.fn(evt)
}
