package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conduit-ai/conduit/pkg/types"
)

func TestBus_SubscribeAndPublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(SessionCreated, func(ev Event) {
		got = append(got, ev)
	})

	bus.PublishSync(Event{Type: SessionCreated, Data: SessionData{Info: &types.Session{ID: "s1"}}})
	bus.PublishSync(Event{Type: SessionDeleted, Data: SessionData{Info: &types.Session{ID: "s1"}}})

	assert.Len(t, got, 1, "typed subscriber must only see its type")
	assert.Equal(t, SessionCreated, got[0].Type)
}

func TestBus_SubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var count int
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: MessageCreated})
	bus.PublishSync(Event{Type: SessionError})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int
	unsub := bus.Subscribe(SessionUpdated, func(ev Event) { count++ })

	bus.PublishSync(Event{Type: SessionUpdated})
	unsub()
	bus.PublishSync(Event{Type: SessionUpdated})

	assert.Equal(t, 1, count)
}

func TestBus_AsyncPublishDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	done := make(chan Event, 1)
	bus.Subscribe(MessageCreated, func(ev Event) { done <- ev })

	bus.Publish(Event{Type: MessageCreated})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async publish never delivered")
	}
}

func TestBus_ClosedBusDropsEvents(t *testing.T) {
	bus := NewBus()

	var count int
	bus.Subscribe(SessionCreated, func(ev Event) { count++ })
	assert.NoError(t, bus.Close())

	bus.PublishSync(Event{Type: SessionCreated})
	assert.Equal(t, 0, count)

	unsub := bus.Subscribe(SessionCreated, func(ev Event) { count++ })
	unsub()
	bus.PublishSync(Event{Type: SessionCreated})
	assert.Equal(t, 0, count)
}
