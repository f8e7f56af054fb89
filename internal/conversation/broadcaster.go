// ABOUTME: Conversation-scoped fan-out of events to joined sessions
// ABOUTME: Local registry guarded by an RWMutex, optionally forwarding to peer nodes

package conversation

import (
	"log/slog"
	"sync"

	"github.com/2389/huddle/internal/metrics"
)

// Subscriber is a joined session as seen by the broadcaster.
type Subscriber interface {
	// ID uniquely identifies the session.
	ID() string
	// Deliver enqueues ev without blocking. It returns false if the event
	// could not be queued.
	Deliver(ev *Event) bool
	// Shutdown closes the session because the broadcaster is stopping.
	Shutdown()
}

// Relay forwards locally published events to other nodes.
type Relay interface {
	Forward(ev *Event)
}

// Broadcaster maps conversation ids to their currently joined subscribers.
// Publish copies the target set under the read lock and delivers outside it,
// so slow subscribers never hold up Join or Leave.
type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber // conversationID -> sessionID -> sub
	closed bool

	relay   Relay
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		groups:  make(map[string]map[string]Subscriber),
		metrics: m,
		logger:  logger.With("component", "broadcaster"),
	}
}

// SetRelay installs the multi-node relay. Must be called before the
// broadcaster is shared between goroutines.
func (b *Broadcaster) SetRelay(r Relay) {
	b.relay = r
}

// Join registers sub under conversationID. Joining twice is a no-op.
// Returns false if the broadcaster has been closed.
func (b *Broadcaster) Join(conversationID string, sub Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	subs, ok := b.groups[conversationID]
	if !ok {
		subs = make(map[string]Subscriber)
		b.groups[conversationID] = subs
	}
	if _, exists := subs[sub.ID()]; exists {
		return true
	}
	subs[sub.ID()] = sub

	b.logger.Debug("session joined",
		"conversation_id", conversationID,
		"session_id", sub.ID(),
		"members", len(subs))
	return true
}

// Leave removes sub from conversationID. Removing an absent session is a no-op.
func (b *Broadcaster) Leave(conversationID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.groups[conversationID]
	if !ok {
		return
	}
	if _, exists := subs[sub.ID()]; !exists {
		return
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(b.groups, conversationID)
	}

	b.logger.Debug("session left",
		"conversation_id", conversationID,
		"session_id", sub.ID())
}

// Publish delivers ev to local subscribers and forwards it to peer nodes.
func (b *Broadcaster) Publish(ev *Event) {
	b.metrics.EventPublished(string(ev.Kind))
	b.PublishLocal(ev)
	if b.relay != nil {
		b.relay.Forward(ev)
	}
}

// PublishLocal delivers ev to the subscribers joined on this node only and
// returns how many accepted it. Events from one goroutine reach each
// subscriber in publish order.
func (b *Broadcaster) PublishLocal(ev *Event) int {
	b.mu.RLock()
	subs := b.groups[ev.ConversationID]
	targets := make([]Subscriber, 0, len(subs))
	for id, sub := range subs {
		if ev.ExcludeSession != "" && id == ev.ExcludeSession {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Deliver(ev) {
			delivered++
			b.metrics.EventDelivered()
			continue
		}
		b.metrics.EventDropped()
		b.logger.Warn("subscriber refused event",
			"conversation_id", ev.ConversationID,
			"session_id", sub.ID(),
			"kind", ev.Kind)
	}
	return delivered
}

// Members returns the number of local sessions joined to conversationID.
func (b *Broadcaster) Members(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[conversationID])
}

// ConversationCount returns the number of conversations with at least one
// local session.
func (b *Broadcaster) ConversationCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups)
}

// Close shuts down every joined session and refuses further joins.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []Subscriber
	for convID, subs := range b.groups {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.groups, convID)
	}
	b.mu.Unlock()

	// Shutdown may call back into Leave, so it runs without the lock.
	for _, sub := range all {
		sub.Shutdown()
	}
	b.logger.Debug("broadcaster closed", "sessions", len(all))
}
