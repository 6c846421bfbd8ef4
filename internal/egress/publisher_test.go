package egress

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotehub/internal/events"
)

func startTestPublisher(t *testing.T) (*Publisher, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close(time.Second) })

	p := NewPublisher(Options{Bind: "127.0.0.1:0"}, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(p.Close)
	p.Start(ctx)

	require.Eventually(t, func() bool { return p.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	return p, bus
}

func TestPublisherDeliversFrames(t *testing.T) {
	p, bus := startTestPublisher(t)

	done := make(chan struct{}, 8)
	bus.Subscribe(func(e *events.Event) {
		done <- struct{}{}
	}, events.TickEgressed)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return p.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	in := sampleTick()
	p.Forward(in)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	topic, payload, err := ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, in.Symbol, topic)

	out, err := DecodeTick(payload)
	require.NoError(t, err)
	assert.Equal(t, in.LastPrice, out.LastPrice)
	assert.Equal(t, in.SourceAccountID, out.SourceAccountID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tick egressed event")
	}
	sent, dropped := p.Stats()
	assert.EqualValues(t, 1, sent)
	assert.Zero(t, dropped)
}

func TestForwardWithoutSubscribersIsHarmless(t *testing.T) {
	p, _ := startTestPublisher(t)
	p.Forward(sampleTick())
	sent, _ := p.Stats()
	assert.Zero(t, sent)
}

func TestSubscriberDisconnectIsDetected(t *testing.T) {
	p, _ := startTestPublisher(t)

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return p.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
