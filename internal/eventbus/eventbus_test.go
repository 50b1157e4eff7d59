package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var typed, all int32
	bus.Subscribe(AutopilotEvent, func(Event) { atomic.AddInt32(&typed, 1) })
	bus.Subscribe(All, func(Event) { atomic.AddInt32(&all, 1) })

	bus.Publish(New(AutopilotEvent, map[string]string{"event": "started"}))
	bus.Publish(New(TerminalChunk, "hello"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&typed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&all))
}

func TestBus_FilterAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var got []string
	sub := bus.SubscribeWithFilter(TerminalChunk, func(ev Event) {
		got = append(got, ev.Data.(string))
	}, func(ev Event) bool { return ev.Data != "skip" })

	bus.Publish(New(TerminalChunk, "a"))
	bus.Publish(New(TerminalChunk, "skip"))
	sub.Unsubscribe()
	bus.Publish(New(TerminalChunk, "b"))

	assert.Equal(t, []string{"a"}, got)
}

func TestBus_PanicIsContained(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	called := false
	bus.Subscribe(ErrorEvent, func(Event) { panic("boom") })
	bus.Subscribe(ErrorEvent, func(Event) { called = true })

	assert.NotPanics(t, func() { bus.Publish(New(ErrorEvent, nil)) })
	assert.True(t, called)
}

func TestBus_AsyncDeliveryAndShutdown(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var seen []Type
	bus.Subscribe(All, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	bus.Emit(StateSnapshot, nil)
	bus.Emit(AutopilotState, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	bus.Shutdown()
	bus.Shutdown()
	assert.NotPanics(t, func() { bus.Emit(StateSnapshot, nil) })
}
