package delayqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(i int, step time.Duration) Item[int] {
	return Item[int]{Value: i, PTS: time.Duration(i) * step, Size: 100}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"unbounded", Config{MinThreshold: 3 * time.Second}, false},
		{"max time above threshold", Config{MaxTime: 5 * time.Second, MinThreshold: 3 * time.Second}, false},
		{"max time equals threshold", Config{MaxTime: 3 * time.Second, MinThreshold: 3 * time.Second}, true},
		{"negative items", Config{MaxItems: -1}, true},
		{"negative threshold", Config{MinThreshold: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueue_HoldsUntilThreshold(t *testing.T) {
	const step = 100 * time.Millisecond
	q, err := New[int](Config{MinThreshold: time.Second})
	require.NoError(t, err)

	for i := 0; i < 10; i++ { // span 0.9s
		require.NoError(t, q.Push(frame(i, step)))
		_, ok := q.TryPop()
		require.False(t, ok, "released at span %v", q.Span())
	}

	require.NoError(t, q.Push(frame(10, step))) // span 1.0s
	it, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 0, it.Value)

	_, ok = q.TryPop()
	assert.False(t, ok, "span dropped below the threshold again")
}

func TestQueue_MonotonicRelease(t *testing.T) {
	const step = 40 * time.Millisecond
	q, err := New[int](Config{MinThreshold: 500 * time.Millisecond})
	require.NoError(t, err)

	got := make(chan int, 200)
	go func() {
		defer close(got)
		for {
			it, err := q.Pop()
			if err != nil {
				return
			}
			got <- it.Value
		}
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(frame(i, step)))
	}
	q.Drain()

	var values []int
	for v := range got {
		values = append(values, v)
	}
	require.Len(t, values, 100, "drain releases everything")
	for i, v := range values {
		assert.Equal(t, i, v)
	}
}

func TestQueue_DrainIgnoresThreshold(t *testing.T) {
	q, err := New[int](Config{MinThreshold: time.Hour})
	require.NoError(t, err)

	require.NoError(t, q.Push(frame(0, time.Second)))
	require.NoError(t, q.Push(frame(1, time.Second)))
	q.Drain()

	for want := 0; want < 2; want++ {
		it, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, want, it.Value)
	}

	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrDrained)
	assert.ErrorIs(t, q.Push(frame(2, time.Second)), ErrDrained)
}

func TestQueue_PushBlocksWhenFull(t *testing.T) {
	q, err := New[int](Config{MaxItems: 2, MinThreshold: time.Hour})
	require.NoError(t, err)

	require.NoError(t, q.Push(frame(0, time.Second)))
	require.NoError(t, q.Push(frame(1, time.Second)))

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(frame(2, time.Second)) }()

	select {
	case <-pushed:
		t.Fatal("push should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	// a full queue releases below the threshold
	it, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 0, it.Value)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after pop")
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueue_ByteAndTimeCaps(t *testing.T) {
	q, err := New[int](Config{MaxBytes: 250, MinThreshold: time.Hour})
	require.NoError(t, err)
	require.NoError(t, q.Push(frame(0, time.Second)))
	require.NoError(t, q.Push(frame(1, time.Second)))
	require.NoError(t, q.Push(frame(2, time.Second)))
	assert.Equal(t, uint64(300), q.Bytes())
	_, ok := q.TryPop()
	assert.True(t, ok, "byte cap reached")

	q2, err := New[int](Config{MaxTime: 2 * time.Second, MinThreshold: time.Second / 2})
	require.NoError(t, err)
	require.NoError(t, q2.Push(frame(0, time.Second)))
	require.NoError(t, q2.Push(frame(1, time.Second)))
	require.NoError(t, q2.Push(frame(2, time.Second)))
	assert.Equal(t, 2*time.Second, q2.Span())
}

func TestQueue_CloseUnblocks(t *testing.T) {
	q, err := New[int](Config{MinThreshold: time.Hour})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("pop not unblocked by close")
	}
	assert.ErrorIs(t, q.Push(frame(0, time.Second)), ErrClosed)
	assert.Equal(t, 0, q.Len())
}
