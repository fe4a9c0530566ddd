package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Do(t *testing.T) {
	q := New(8)
	defer q.Close()

	result, err := q.Do(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	boom := errors.New("boom")
	_, err = q.Do(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestQueue_FIFOSingleWriter(t *testing.T) {
	q := New(64)
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap int32
	)
	tickets := make([]*Ticket, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		ticket, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			return i, nil
		})
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}

	for i, ticket := range tickets {
		v, err := ticket.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.Zero(t, atomic.LoadInt32(&overlap), "tasks in one lane must not overlap")
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestQueue_LanesRunInParallel(t *testing.T) {
	q := New(8)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, lane := range []string{"agent:a", "agent:b"} {
		lane := lane
		_, err := q.Submit(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			started <- lane
			<-release
			return nil, nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	assert.True(t, q.WaitIdle(time.Second))
}

func TestQueue_Capacity(t *testing.T) {
	q := New(2)
	defer q.Close()

	block := make(chan struct{})
	running := make(chan struct{})
	_, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		close(running)
		<-block
		return nil, nil
	})
	require.NoError(t, err)
	<-running

	for i := 0; i < 2; i++ {
		_, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}
	_, err = q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrLaneFull)

	_, err = q.Submit(context.Background(), "agent:b", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.NoError(t, err, "capacity is per lane")

	close(block)
	assert.True(t, q.WaitIdle(time.Second))
}

func TestQueue_Halt(t *testing.T) {
	q := New(8)
	defer q.Close()

	halted := make(chan Event, 1)
	q.On(EventHalted, func(e Event) { halted <- e })

	block := make(chan struct{})
	running := make(chan struct{})
	first, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		close(running)
		<-block
		return "first", nil
	})
	require.NoError(t, err)
	<-running

	queued, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		return "never", nil
	})
	require.NoError(t, err)

	q.Halt("agent:a", "invariant violated")
	close(block)

	v, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrLaneHalted)

	_, err = q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrLaneHalted)

	isHalted, reason := q.Halted("agent:a")
	assert.True(t, isHalted)
	assert.Equal(t, "invariant violated", reason)

	e := <-halted
	assert.Equal(t, "agent:a", e.Lane)

	v, err = q.Do(context.Background(), "agent:b", func(ctx context.Context) (interface{}, error) { return "b", nil })
	require.NoError(t, err)
	assert.Equal(t, "b", v, "other lanes keep working")
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := New(8)
	defer q.Close()

	_, err := q.Do(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) {
		panic("bad")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	v, err := q.Do(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestQueue_SubmitDetachesCancellation(t *testing.T) {
	q := New(8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := q.Submit(ctx, "agent:a", func(taskCtx context.Context) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, taskCtx.Err()
	})
	require.NoError(t, err)
	cancel()

	_, err = ticket.Wait(context.Background())
	assert.NoError(t, err)
}

func TestQueue_Close(t *testing.T) {
	q := New(8)
	require.NoError(t, q.Close())

	_, err := q.Submit(context.Background(), "agent:a", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, q.Close())
}
