package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDispatchOrder(t *testing.T) {
	e := NewEmitter[int]()

	var got []string
	e.Subscribe(func(v int) { got = append(got, "first") })
	e.Subscribe(func(v int) { got = append(got, "second") })

	e.Emit(1)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter[string]()

	count := 0
	sub := e.Subscribe(func(string) { count++ })
	e.Emit("a")
	require.Equal(t, 1, count)

	sub.Close()
	e.Emit("b")
	assert.Equal(t, 1, count)

	// closing twice is fine
	sub.Close()
}

func TestEmitterSubscribeDuringDispatch(t *testing.T) {
	e := NewEmitter[int]()

	lateFired := false
	e.Subscribe(func(int) {
		e.Subscribe(func(int) { lateFired = true })
	})

	e.Emit(1)
	// the listener added mid-dispatch only sees later emits
	assert.False(t, lateFired)
	e.Emit(2)
	assert.True(t, lateFired)
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture[int]()

	_, ok := f.Get()
	require.False(t, ok)

	require.True(t, f.Resolve(1))
	require.False(t, f.Resolve(2))

	v, ok := f.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestFutureWaitCancel(t *testing.T) {
	f := NewFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
