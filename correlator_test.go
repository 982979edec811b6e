package openrt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCorrelatorBuffersBursts(t *testing.T) {
	c := NewCorrelator(nil)

	for i := 0; i < 5; i++ {
		c.Record([]byte(fmt.Sprintf(`{"type":"transcript.delta","event_id":"e%d","n":%d}`, i, i)))
	}

	// all five must be retrievable in arrival order, not just the last
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, err := c.AwaitType(ctx, "transcript.delta")
		cancel()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("e%d", i), ev.EventID)
	}
}

func TestCorrelatorTimeoutDistinguishable(t *testing.T) {
	c := NewCorrelator(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ev, err := c.AwaitType(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, ev)

	// an empty-payload message of type "x" is a success, not a timeout
	c.Record([]byte(`{"type":"x"}`))
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	ev, err = c.AwaitType(ctx2, "x")
	require.NoError(t, err)
	require.Equal(t, "x", ev.Type)
}

func TestCorrelatorFirstArrivalWins(t *testing.T) {
	c := NewCorrelator(nil)

	c.Record([]byte(`{"type":"b","event_id":"first"}`))
	c.Record([]byte(`{"type":"a","event_id":"second"}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := c.AwaitAny(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "first", ev.EventID)

	ev, err = c.AwaitAny(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, "second", ev.EventID)
}

func TestCorrelatorDeliversToWaiter(t *testing.T) {
	c := NewCorrelator(nil)

	done := make(chan string)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ev, err := c.AwaitType(ctx, "later")
		require.NoError(t, err)
		done <- ev.EventID
	}()

	time.Sleep(20 * time.Millisecond)
	c.Record([]byte(`{"type":"later","event_id":"w1"}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the message")
	}
}

func TestCorrelatorFailBroadcast(t *testing.T) {
	c := NewCorrelator(nil)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := c.AwaitType(ctx, "never")
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.Fail(ErrConnectionLost)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(time.Second):
			t.Fatal("waiter left suspended after Fail")
		}
	}

	// later awaits fail fast
	_, err := c.AwaitType(context.Background(), "never")
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestCorrelatorDropsMalformed(t *testing.T) {
	c := NewCorrelator(nil)

	c.Record([]byte(`this is not json`))
	c.Record([]byte(`{"event_id":"no-type"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.AwaitAny(ctx, "anything")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorrelatorRoutesErrorEvents(t *testing.T) {
	c := NewCorrelator(nil)

	c.Record([]byte(`{"type":"error","event_id":"e1","error":{"code":"bad","message":"boom"}}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := c.AwaitType(ctx, "something.else")
	require.NoError(t, err)
	require.Equal(t, "error", ev.Type)
}
