package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachhub/chat-realtime/internal/model"
)

func TestTypingTracker(t *testing.T) {
	tr := NewTypingTracker("conv-1", "coach", 5*time.Second)

	start := model.TypingEvent{UserID: "client", UserName: "Client Lee", ConversationID: "conv-1", IsTyping: true}
	assert.True(t, tr.Apply(start, t0))
	assert.False(t, tr.Apply(start, t0.Add(time.Second)), "repeat start refreshes without a change")

	assert.False(t, tr.Apply(model.TypingEvent{UserID: "coach", ConversationID: "conv-1", IsTyping: true}, t0))
	assert.False(t, tr.Apply(model.TypingEvent{UserID: "other", ConversationID: "conv-2", IsTyping: true}, t0))

	assert.Equal(t, []Typer{{UserID: "client", UserName: "Client Lee"}}, tr.Typing(t0.Add(2*time.Second)))

	stop := start
	stop.IsTyping = false
	assert.True(t, tr.Apply(stop, t0.Add(3*time.Second)))
	assert.Empty(t, tr.Typing(t0.Add(3*time.Second)))
	assert.False(t, tr.Apply(stop, t0.Add(3*time.Second)))
}

func TestTypingTrackerPrunesStaleTypers(t *testing.T) {
	tr := NewTypingTracker("conv-1", "coach", 5*time.Second)
	tr.Apply(model.TypingEvent{UserID: "b", UserName: "Bea", ConversationID: "conv-1", IsTyping: true}, t0)
	tr.Apply(model.TypingEvent{UserID: "a", UserName: "Ari", ConversationID: "conv-1", IsTyping: true}, t0.Add(4*time.Second))

	assert.Equal(t, []Typer{{UserID: "a", UserName: "Ari"}, {UserID: "b", UserName: "Bea"}}, tr.Typing(t0.Add(4*time.Second)))
	assert.Equal(t, []Typer{{UserID: "a", UserName: "Ari"}}, tr.Typing(t0.Add(6*time.Second)))

	assert.True(t, tr.Remove("a"))
	assert.False(t, tr.Remove("a"))
}

type emitted struct {
	mu     sync.Mutex
	events []model.EventName
}

func (e *emitted) emit(ev model.EventName) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *emitted) list() []model.EventName {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.EventName(nil), e.events...)
}

func TestTypingNotifierStopsAfterIdle(t *testing.T) {
	rec := &emitted{}
	n := NewTypingNotifier(rec.emit, 30*time.Millisecond)

	n.Keystroke()
	n.Keystroke()
	n.Keystroke()
	assert.True(t, n.Active())
	assert.Equal(t, []model.EventName{model.EventTypingStart}, rec.list())

	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.EventName{model.EventTypingStart, model.EventTypingStop}, rec.list())
	assert.False(t, n.Active())
}

func TestTypingNotifierStop(t *testing.T) {
	rec := &emitted{}
	n := NewTypingNotifier(rec.emit, time.Hour)

	n.Stop()
	assert.Empty(t, rec.list())

	n.Keystroke()
	n.Stop()
	n.Stop()
	assert.Equal(t, []model.EventName{model.EventTypingStart, model.EventTypingStop}, rec.list())
}
