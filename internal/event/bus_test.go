package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(RuleActivated, func(e Event) {
		got = append(got, e)
	})

	bus.PublishSync(Event{Type: RuleActivated, Data: RuleActivatedData{SessionID: "s1", RuleID: "r1"}})
	bus.PublishSync(Event{Type: SessionDeleted, Data: SessionDeletedData{SessionID: "s1"}})

	require.Len(t, got, 1)
	data := got[0].Data.(RuleActivatedData)
	assert.Equal(t, "r1", data.RuleID)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: ApprovalRequired})
	assert.Equal(t, 2, count)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsub := bus.Subscribe(SessionCreated, func(Event) { count++ })

	bus.PublishSync(Event{Type: SessionCreated})
	unsub()
	bus.PublishSync(Event{Type: SessionCreated})
	assert.Equal(t, 1, count)
}

func TestPublishAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(ApprovalResolved, func(Event) { close(done) })

	bus.Publish(Event{Type: ApprovalResolved})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber never ran")
	}
}

func TestClosedBusDropsEverything(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	called := false
	unsub := bus.Subscribe(SessionCreated, func(Event) { called = true })
	bus.PublishSync(Event{Type: SessionCreated})
	unsub()
	assert.False(t, called)
}
