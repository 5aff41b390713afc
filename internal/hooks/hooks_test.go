package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/soyeahso/parley/internal/logging"
	"github.com/stretchr/testify/assert"
)

func testManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestEmitInRegistrationOrder(t *testing.T) {
	m := testManager()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		m.On(EventTurnEnd, name, func(_ context.Context, p Payload) error {
			assert.Equal(t, EventTurnEnd, p.Event)
			order = append(order, name)
			return nil
		})
	}

	m.Emit(context.Background(), EventTurnEnd, map[string]any{"depth": 1})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEmitPassesData(t *testing.T) {
	m := testManager()

	var got map[string]any
	m.On(EventDirective, "audit", func(_ context.Context, p Payload) error {
		got = p.Data
		return nil
	})

	m.Emit(context.Background(), EventDirective, map[string]any{"capability": "clock", "success": true})
	assert.Equal(t, "clock", got["capability"])
	assert.Equal(t, true, got["success"])
}

func TestEmitSurvivesErrorsAndPanics(t *testing.T) {
	m := testManager()

	var reached bool
	m.On(EventTurnStart, "fails", func(context.Context, Payload) error { return errors.New("boom") })
	m.On(EventTurnStart, "panics", func(context.Context, Payload) error { panic("bad hook") })
	m.On(EventTurnStart, "ok", func(context.Context, Payload) error {
		reached = true
		return nil
	})

	assert.NotPanics(t, func() { m.Emit(context.Background(), EventTurnStart, nil) })
	assert.True(t, reached)
}

func TestNilManagerIgnoresEmit(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.Emit(context.Background(), EventTurnEnd, nil)
		m.EmitAsync(context.Background(), EventTurnEnd, nil)
		m.Wait()
	})
}

func TestOff(t *testing.T) {
	m := testManager()

	var a, b int
	m.On(EventBatchReady, "a", func(context.Context, Payload) error { a++; return nil })
	m.On(EventBatchReady, "b", func(context.Context, Payload) error { b++; return nil })
	m.Off(EventBatchReady, "a")

	m.Emit(context.Background(), EventBatchReady, nil)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, m.Count(EventBatchReady))
}

func TestEmitAsync(t *testing.T) {
	m := testManager()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		m.On(EventMessageSending, "h", func(context.Context, Payload) error {
			count.Add(1)
			return nil
		})
	}

	m.EmitAsync(context.Background(), EventMessageSending, nil)
	m.Wait()
	assert.Equal(t, int32(3), count.Load())
}

func TestEvents(t *testing.T) {
	m := testManager()
	assert.Empty(t, m.Events())

	m.On(EventTurnEnd, "x", func(context.Context, Payload) error { return nil })
	m.On(EventBatchReady, "y", func(context.Context, Payload) error { return nil })
	m.On(EventGatewayStop, "z", func(context.Context, Payload) error { return nil })
	m.Off(EventGatewayStop, "z")

	assert.Equal(t, []string{EventBatchReady, EventTurnEnd}, m.Events())
	assert.Len(t, AllEvents, 9)
}
