// Package intercom provides in-process topic pub/sub with bounded history (§4.3).
//
// Grounded on the teacher's infra.SystemEventsQueue (bounded per-session ring)
// combined with multiagent.InMemorySwarmContext's channel-based Subscribe.
package intercom

import (
	"sync"
)

// Topic is one of the closed set of topics this intercom recognizes.
type Topic string

const (
	TopicTaskQueued        Topic = "task:queued"
	TopicTaskCompleted     Topic = "task:completed"
	TopicTaskFailed        Topic = "task:failed"
	TopicAgentCreated      Topic = "agent:created"
	TopicAgentDismissed    Topic = "agent:dismissed"
	TopicAgentRevived      Topic = "agent:revived"
	TopicMemoryUpdated     Topic = "memory:updated"
	TopicMemoryConsolidated Topic = "memory:consolidated"
	TopicBlackboardProposal Topic = "blackboard:proposal"
	TopicBlackboardResolved Topic = "blackboard:resolved"
	TopicNudgeScheduled    Topic = "nudge:scheduled"
	TopicNudgeDelivered    Topic = "nudge:delivered"
	TopicNudgeSuppressed   Topic = "nudge:suppressed"
)

// Topics is the closed set, used to validate registrations at boot.
var Topics = map[Topic]bool{
	TopicTaskQueued: true, TopicTaskCompleted: true, TopicTaskFailed: true,
	TopicAgentCreated: true, TopicAgentDismissed: true, TopicAgentRevived: true,
	TopicMemoryUpdated: true, TopicMemoryConsolidated: true,
	TopicBlackboardProposal: true, TopicBlackboardResolved: true,
	TopicNudgeScheduled: true, TopicNudgeDelivered: true, TopicNudgeSuppressed: true,
}

// Event is a single emission recorded in the history rings.
type Event struct {
	Topic  Topic
	UserID string
	Data   any
	Seq    uint64
}

// Handler reacts to an Event. Panics are recovered and swallowed by emit.
type Handler func(e Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

const (
	defaultPerTopicHistory = 100
	globalHistoryFactor    = 2
)

// Intercom is the process-wide pub/sub bus.
type Intercom struct {
	mu           sync.Mutex
	perTopicCap  int
	handlers     map[Topic][]*subscription
	anyHandlers  []*subscription
	topicHistory map[Topic][]Event
	globalRing   []Event
	seq          uint64
	onHandlerErr func(topic Topic, rec any)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Option configures a new Intercom.
type Option func(*Intercom)

// WithPerTopicHistory overrides the default ring size of 100 events per topic.
func WithPerTopicHistory(n int) Option {
	return func(ic *Intercom) { ic.perTopicCap = n }
}

// WithHandlerErrorHook is called (outside any lock) whenever a handler panics.
func WithHandlerErrorHook(fn func(topic Topic, rec any)) Option {
	return func(ic *Intercom) { ic.onHandlerErr = fn }
}

// New returns an empty Intercom.
func New(opts ...Option) *Intercom {
	ic := &Intercom{
		perTopicCap:  defaultPerTopicHistory,
		handlers:     make(map[Topic][]*subscription),
		topicHistory: make(map[Topic][]Event),
	}
	for _, o := range opts {
		o(ic)
	}
	return ic
}

// On registers h for a single topic and returns an Unsubscribe thunk.
func (ic *Intercom) On(topic Topic, h Handler) Unsubscribe {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.seq++
	sub := &subscription{id: ic.seq, handler: h}
	ic.handlers[topic] = append(ic.handlers[topic], sub)
	return func() { ic.removeFrom(topic, sub.id) }
}

// OnAny registers h for every topic and returns an Unsubscribe thunk.
func (ic *Intercom) OnAny(h Handler) Unsubscribe {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.seq++
	sub := &subscription{id: ic.seq, handler: h}
	ic.anyHandlers = append(ic.anyHandlers, sub)
	return func() { ic.removeAny(sub.id) }
}

func (ic *Intercom) removeFrom(topic Topic, id uint64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	subs := ic.handlers[topic]
	for i, s := range subs {
		if s.id == id {
			ic.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (ic *Intercom) removeAny(id uint64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i, s := range ic.anyHandlers {
		if s.id == id {
			ic.anyHandlers = append(ic.anyHandlers[:i:i], ic.anyHandlers[i+1:]...)
			return
		}
	}
}

// Emit invokes every subscriber for topic, in registration order, synchronously,
// swallowing any handler panic so one bad handler never blocks another or the caller.
func (ic *Intercom) Emit(topic Topic, userID string, data any) Event {
	ic.mu.Lock()
	ic.seq++
	e := Event{Topic: topic, UserID: userID, Data: data, Seq: ic.seq}

	ic.topicHistory[topic] = appendBounded(ic.topicHistory[topic], e, ic.perTopicCap)
	ic.globalRing = appendBounded(ic.globalRing, e, ic.perTopicCap*globalHistoryFactor)

	topicSubs := append([]*subscription(nil), ic.handlers[topic]...)
	anySubs := append([]*subscription(nil), ic.anyHandlers...)
	ic.mu.Unlock()

	for _, s := range topicSubs {
		ic.invoke(topic, s.handler, e)
	}
	for _, s := range anySubs {
		ic.invoke(topic, s.handler, e)
	}
	return e
}

func (ic *Intercom) invoke(topic Topic, h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil && ic.onHandlerErr != nil {
			ic.onHandlerErr(topic, rec)
		}
	}()
	h(e)
}

func appendBounded(ring []Event, e Event, cap int) []Event {
	ring = append(ring, e)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

// History returns a copy of the bounded ring for a single topic, oldest first.
func (ic *Intercom) History(topic Topic) []Event {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]Event(nil), ic.topicHistory[topic]...)
}

// GlobalHistory returns a copy of the cross-topic ring, oldest first.
func (ic *Intercom) GlobalHistory() []Event {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]Event(nil), ic.globalRing...)
}

// Clear resets all subscribers and history.
func (ic *Intercom) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.handlers = make(map[Topic][]*subscription)
	ic.anyHandlers = nil
	ic.topicHistory = make(map[Topic][]Event)
	ic.globalRing = nil
}
