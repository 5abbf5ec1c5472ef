package client

import (
	"sort"
	"sync"
	"time"

	"github.com/coachhub/chat-realtime/internal/model"
)

const (
	// DefaultTypingIdle is how long after the last keystroke typing_stop is sent.
	DefaultTypingIdle = 2 * time.Second
	// DefaultTypingStale drops remote typers that never sent typing_stop.
	DefaultTypingStale = 6 * time.Second
)

// Typer is a remote user currently typing.
type Typer struct {
	UserID   string
	UserName string
}

type typingState struct {
	name string
	seen time.Time
}

// TypingTracker holds the users typing in one conversation. It is not safe
// for concurrent use.
type TypingTracker struct {
	conversationID string
	self           string
	stale          time.Duration
	users          map[string]typingState
}

// NewTypingTracker creates a tracker that ignores events from self.
func NewTypingTracker(conversationID, self string, stale time.Duration) *TypingTracker {
	if stale <= 0 {
		stale = DefaultTypingStale
	}
	return &TypingTracker{
		conversationID: conversationID,
		self:           self,
		stale:          stale,
		users:          make(map[string]typingState),
	}
}

// Apply records a user_typing event and reports whether the set changed.
func (t *TypingTracker) Apply(ev model.TypingEvent, now time.Time) bool {
	if ev.ConversationID != t.conversationID || ev.UserID == t.self {
		return false
	}
	_, known := t.users[ev.UserID]
	if !ev.IsTyping {
		delete(t.users, ev.UserID)
		return known
	}
	t.users[ev.UserID] = typingState{name: ev.UserName, seen: now}
	return !known
}

// Remove drops a user, for example when their message arrives.
func (t *TypingTracker) Remove(userID string) bool {
	if _, ok := t.users[userID]; !ok {
		return false
	}
	delete(t.users, userID)
	return true
}

// Typing returns the current typers sorted by name, pruning stale ones.
func (t *TypingTracker) Typing(now time.Time) []Typer {
	out := make([]Typer, 0, len(t.users))
	for id, st := range t.users {
		if now.Sub(st.seen) > t.stale {
			delete(t.users, id)
			continue
		}
		out = append(out, Typer{UserID: id, UserName: st.name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// TypingNotifier turns local keystrokes into typing_start and typing_stop
// signals. typing_start goes out on the first keystroke and typing_stop
// after the idle period without one.
type TypingNotifier struct {
	emit func(event model.EventName)
	idle time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
	gen    uint64
}

// NewTypingNotifier creates a notifier that calls emit with the event to send.
func NewTypingNotifier(emit func(event model.EventName), idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingNotifier{emit: emit, idle: idle}
}

// Keystroke records local input.
func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	start := !n.active
	n.active = true
	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.idle, func() { n.expire(gen) })
	n.mu.Unlock()

	if start {
		n.emit(model.EventTypingStart)
	}
}

// Stop sends typing_stop now if typing_start was sent.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	if wasActive {
		n.emit(model.EventTypingStop)
	}
}

// Active reports whether typing_start was sent without a matching stop.
func (n *TypingNotifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.timer = nil
	n.mu.Unlock()

	n.emit(model.EventTypingStop)
}
