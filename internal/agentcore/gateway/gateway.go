// Package gateway implements prefix-routed outbound delivery to channel
// senders (§4.4).
//
// Grounded on the teacher's outbound envelope/delivery builders and its
// channels catalog; the sender registry itself follows the teacher's
// register/unregister idiom from channels.Registry, generalized from a
// fixed adapter interface to the spec's ChannelSender contract. Duplicate
// suppression on Send is adapted from the teacher's internal/cache
// time-limited dedupe cache. WebhookVerifier (webhook.go) covers the
// optional signed-callback path for senders that call back into the core.
package gateway

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"
)

// dedupeWindow is how long an identical (userID, content) pair is
// suppressed after a successful send, absorbing retry-driven duplicates
// from an at-least-once delivery caller.
const dedupeWindow = 30 * time.Second

// dedupeCache is a small time-limited seen-set, adapted from the teacher's
// internal/cache.DedupeCache.
type dedupeCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{seen: make(map[string]time.Time), ttl: ttl, clock: time.Now}
}

// seenRecently reports whether key was marked within ttl, without marking it.
func (d *dedupeCache) seenRecently(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seenAt, ok := d.seen[key]
	return ok && d.clock().Sub(seenAt) < d.ttl
}

// mark records key as seen now, sweeping expired entries.
func (d *dedupeCache) mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	d.seen[key] = now
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

func dedupeKey(userID string, message Message) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + message.Content))
	return string(sum[:])
}

// Priority is the urgency of an outbound message.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Source names what produced an outbound message.
type Source string

const (
	SourceBackgroundTask Source = "background_task"
	SourceSubAgent       Source = "sub_agent"
	SourceReminder       Source = "reminder"
	SourcePulse          Source = "pulse"
	SourceSystem         Source = "system"
	SourceAgent          Source = "agent"
)

// Message is the payload handed to a ChannelSender.
type Message struct {
	Content  string
	Priority Priority
	Source   Source
}

// ChannelSender delivers messages for one channel. Broadcast is optional;
// senders that don't support it simply don't implement it.
type ChannelSender interface {
	Name() string
	Send(userID string, message Message) error
}

// Broadcaster is implemented by senders that can fan a message out without
// a specific recipient.
type Broadcaster interface {
	Broadcast(message Message) error
}

// SendResult is returned by Send, never a panic or error return — failures
// are reported in-band so callers (tool results) can surface them as text.
type SendResult struct {
	Success bool
	Channel string
	UserID  string
	Error   string
}

// BroadcastResult reports one sender's outcome during a Broadcast call.
type BroadcastResult struct {
	Channel string
	Success bool
	Error   string
}

// Gateway routes by the prefix of a "prefix:identifier" userId to a
// registered ChannelSender.
type Gateway struct {
	mu      sync.RWMutex
	senders map[string]ChannelSender
	dedupe  *dedupeCache
}

// New returns an empty Gateway.
func New() *Gateway {
	return &Gateway{senders: make(map[string]ChannelSender), dedupe: newDedupeCache(dedupeWindow)}
}

// Register adds or replaces the sender for a channel prefix; last write wins.
func (g *Gateway) Register(prefix string, sender ChannelSender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.senders[prefix] = sender
}

// Unregister removes a sender for a prefix. It is idempotent: unregistering
// a prefix with no sender is a no-op, not an error.
func (g *Gateway) Unregister(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, prefix)
}

func splitPrefix(userID string) (prefix, identifier string, ok bool) {
	i := strings.IndexByte(userID, ':')
	if i <= 0 || i == len(userID)-1 {
		return "", "", false
	}
	return userID[:i], userID[i+1:], true
}

// Send delivers message to the sender registered for userId's prefix. It
// never throws: a missing prefix or missing sender yields
// SendResult{Success: false} with a descriptive Error.
func (g *Gateway) Send(userID string, message Message) SendResult {
	prefix, _, ok := splitPrefix(userID)
	if !ok {
		return SendResult{Success: false, UserID: userID, Error: fmt.Sprintf("outbound: userId %q has no channel prefix", userID)}
	}

	key := dedupeKey(userID, message)
	if g.dedupe.seenRecently(key) {
		return SendResult{Success: true, Channel: prefix, UserID: userID}
	}

	g.mu.RLock()
	sender, found := g.senders[prefix]
	g.mu.RUnlock()
	if !found {
		return SendResult{Success: false, Channel: prefix, UserID: userID, Error: fmt.Sprintf("outbound: no sender registered for channel %q", prefix)}
	}

	if err := sender.Send(userID, message); err != nil {
		return SendResult{Success: false, Channel: prefix, UserID: userID, Error: err.Error()}
	}
	g.dedupe.mark(key)
	return SendResult{Success: true, Channel: prefix, UserID: userID}
}

// Broadcast invokes Broadcast on every registered sender that implements
// Broadcaster. Each sender's outcome is reported independently; one
// sender's failure never prevents another's attempt.
func (g *Gateway) Broadcast(message Message) []BroadcastResult {
	g.mu.RLock()
	type entry struct {
		prefix string
		sender ChannelSender
	}
	entries := make([]entry, 0, len(g.senders))
	for prefix, sender := range g.senders {
		entries = append(entries, entry{prefix, sender})
	}
	g.mu.RUnlock()

	results := make([]BroadcastResult, 0, len(entries))
	for _, e := range entries {
		b, ok := e.sender.(Broadcaster)
		if !ok {
			continue
		}
		if err := b.Broadcast(message); err != nil {
			results = append(results, BroadcastResult{Channel: e.prefix, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, BroadcastResult{Channel: e.prefix, Success: true})
	}
	return results
}
