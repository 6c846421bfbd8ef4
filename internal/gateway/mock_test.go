package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(state State, detail string) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
	}
}

func (r *stateRecorder) last() (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return "", false
	}
	return r.states[len(r.states)-1], true
}

func TestMockConnectLifecycle(t *testing.T) {
	rec := &stateRecorder{}
	m := NewMock("A1", rec.callbacks(), zerolog.Nop())
	defer m.Terminate()

	require.NoError(t, m.Connect(context.Background(), map[string]string{"connect_delay_ms": "1"}))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 2*time.Second, time.Millisecond)

	last, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, StateConnected, last)
}

func TestMockFailedConnect(t *testing.T) {
	rec := &stateRecorder{}
	m := NewMock("A1", rec.callbacks(), zerolog.Nop())
	defer m.Terminate()

	require.NoError(t, m.Connect(context.Background(), map[string]string{
		"connect_delay_ms": "1",
		"fail_connect":     "true",
	}))
	require.Eventually(t, func() bool { return m.State() == StateError }, 2*time.Second, time.Millisecond)
}

func TestMockAutoTicks(t *testing.T) {
	ticks := make(chan RawTick, 64)
	m := NewMock("A1", Callbacks{OnTick: func(tick RawTick) {
		select {
		case ticks <- tick:
		default:
		}
	}}, zerolog.Nop())
	defer m.Terminate()

	require.NoError(t, m.Subscribe([]string{"rb2601"}))
	require.NoError(t, m.Connect(context.Background(), map[string]string{
		"connect_delay_ms": "1",
		"auto_tick_ms":     "1",
	}))

	select {
	case tick := <-ticks:
		assert.Equal(t, "rb2601", tick.Symbol)
		assert.Greater(t, tick.LastPrice, 0.0)
		assert.False(t, tick.ExchangeTime.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected synthetic ticks")
	}
}

func TestMockTerminateMakesInert(t *testing.T) {
	rec := &stateRecorder{}
	m := NewMock("A1", rec.callbacks(), zerolog.Nop())
	m.Terminate()
	m.Terminate() // idempotent

	before, _ := rec.last()
	m.PushState(StateConnected, "late")
	after, _ := rec.last()
	assert.Equal(t, before, after, "a terminated adaptor must not emit")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMockSubscriptionSet(t *testing.T) {
	m := NewMock("A1", Callbacks{}, zerolog.Nop())
	defer m.Terminate()

	require.NoError(t, m.Subscribe([]string{"rb2601", "ag2606"}))
	require.NoError(t, m.Subscribe([]string{"rb2601"})) // idempotent
	assert.Len(t, m.Subscribed(), 2)

	require.NoError(t, m.Unsubscribe([]string{"ag2606"}))
	assert.Equal(t, []string{"rb2601"}, m.Subscribed())
}
