package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_GoChannelRoundTrip(t *testing.T) {
	bus, err := NewBus(DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		msgs, err := bus.Subscriber().Subscribe(ctx, bus.Topic())
		if err != nil {
			done <- err
			return
		}
		close(ready)
		msg := <-msgs
		e, err := Unmarshal(msg.Payload)
		msg.Ack()
		if err == nil {
			got <- e
		}
		done <- err
	}()
	<-ready

	bus.Publish(ctx, Event{Type: TypeCommitted, UserID: 42, Continuations: 2, Calls: 3, Chars: 10})

	select {
	case e := <-got:
		require.Equal(t, TypeCommitted, e.Type)
		require.Equal(t, int64(42), e.UserID)
		require.Equal(t, 2, e.Continuations)
		require.False(t, e.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, <-done)
}

func TestConsume_SkipsMalformedAndStopsOnCancel(t *testing.T) {
	bus, err := NewBus(DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, bus.Subscriber(), bus.Topic(), func(_ context.Context, e Event) error {
			select {
			case seen <- e:
			default:
			}
			return nil
		})
	}()

	// gochannel drops messages published before a subscriber exists.
	require.Eventually(t, func() bool {
		bus.Publish(ctx, Event{Type: TypeReset, UserID: 7})
		select {
		case e := <-seen:
			return e.Type == TypeReset
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
}

func TestUnmarshal_RequiresType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"user_id":1}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	require.Error(t, err)

	e, err := Event{Type: TypeFailed, UserID: 3, Error: "boom"}.Marshal()
	require.NoError(t, err)
	back, err := Unmarshal(e)
	require.NoError(t, err)
	require.Equal(t, "boom", back.Error)
}
