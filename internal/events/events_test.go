package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrderWithMonotonicSeq(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("sess-1", 10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: TurnStarted, SessionID: "sess-1"})
	bus.Publish(Event{Type: AssistantDelta, SessionID: "sess-1"})
	bus.Publish(Event{Type: TurnFinished, SessionID: "sess-1"})

	var got []Event
	for i := 0; i < 3; i++ {
		got = append(got, <-sub.C)
	}
	assert.Equal(t, TurnStarted, got[0].Type)
	assert.Equal(t, AssistantDelta, got[1].Type)
	assert.Equal(t, TurnFinished, got[2].Type)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
}

func TestSubscribersAreSessionScoped(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("sess-a", 10)
	b := bus.Subscribe("sess-b", 10)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Event{Type: TurnStarted, SessionID: "sess-a"})

	assert.Len(t, a.C, 1)
	assert.Len(t, b.C, 0)
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("sess-a", 10)
	b := bus.Subscribe("sess-b", 10)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Event{Type: ReloadFailure})

	assert.Equal(t, ReloadFailure, (<-a.C).Type)
	assert.Equal(t, ReloadFailure, (<-b.C).Type)
}

func TestLaggedSubscriberIsDroppedNotBlockedOn(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe("sess-1", 1)
	fast := bus.Subscribe("sess-1", 10)
	defer bus.Unsubscribe(fast)

	bus.Publish(Event{Type: AssistantDelta, SessionID: "sess-1"})
	// slow's buffer is now full; this publish must not block and must drop it
	bus.Publish(Event{Type: AssistantDelta, SessionID: "sess-1"})

	// slow's channel is closed after its buffered event
	<-slow.C
	_, open := <-slow.C
	assert.False(t, open)

	// fast sees both deltas plus the lag notice
	types := []Type{(<-fast.C).Type, (<-fast.C).Type, (<-fast.C).Type}
	assert.Equal(t, []Type{AssistantDelta, AssistantDelta, SubscriberLagged}, types)
}

func TestLagNoticeOnBroadcastStaysInSubscriberSession(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe("sess-1", 1)
	fast := bus.Subscribe("sess-1", 10)
	other := bus.Subscribe("sess-2", 10)
	defer bus.Unsubscribe(fast)
	defer bus.Unsubscribe(other)

	bus.Publish(Event{Type: AssistantDelta, SessionID: "sess-1"})
	// slow's buffer is full; the broadcast drops it
	bus.Publish(Event{Type: ReloadFailure})

	<-slow.C
	_, open := <-slow.C
	require.False(t, open)

	// the notice lands in the dropped subscriber's session with that
	// session's sequence, not the broadcast counter
	<-fast.C // delta, seq 1
	<-fast.C // broadcast
	notice := <-fast.C
	assert.Equal(t, SubscriberLagged, notice.Type)
	assert.Equal(t, "sess-1", notice.SessionID)
	assert.Equal(t, uint64(2), notice.Seq)

	// sess-2 sees only the broadcast
	<-other.C
	assert.Len(t, other.C, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("sess-1", 1)
	bus.Unsubscribe(sub)
	_, open := <-sub.C
	require.False(t, open)

	// double unsubscribe is safe
	bus.Unsubscribe(sub)
}
