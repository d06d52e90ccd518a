package messaging

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeTracker(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})
	tracker := NewExchangeTracker()

	first, err := d.CreateExchange("Echo", InOut)
	require.NoError(t, err)
	second, err := d.CreateExchange("Echo", InOut)
	require.NoError(t, err)

	require.NoError(t, tracker.Track(first))
	require.NoError(t, tracker.Track(second))
	assert.Error(t, tracker.Track(first))
	assert.Error(t, tracker.Track(nil))

	got, ok := tracker.Get(first.ID())
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 2, tracker.Len())
	assert.Len(t, tracker.Active(), 2)

	assert.True(t, tracker.Complete(first.ID()))
	assert.False(t, tracker.Complete(first.ID()))
	assert.False(t, tracker.Complete("unknown"))

	_, ok = tracker.Get(first.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, tracker.Len())
	assert.Equal(t, uint64(1), tracker.Completed())
}

func TestExchangeTracker_ConcurrentCompleteWinsOnce(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})
	ex, err := d.CreateExchange("Echo", InOut)
	require.NoError(t, err)

	tracker := NewExchangeTracker()
	require.NoError(t, tracker.Track(ex))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.Complete(ex.ID()) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestDeliveryPool(t *testing.T) {
	t.Run("runs every task", func(t *testing.T) {
		pool := NewDeliveryPool(2, 1, nil)

		var ran atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			pool.Submit(func() {
				defer wg.Done()
				time.Sleep(time.Millisecond)
				ran.Add(1)
			})
		}
		wg.Wait()

		assert.Equal(t, int32(20), ran.Load())
		require.NoError(t, pool.Close(time.Second))
		assert.Eventually(t, func() bool {
			return pool.Stats().Processed == 20
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("recovers panics", func(t *testing.T) {
		pool := NewDeliveryPool(1, 4, nil)

		done := make(chan struct{})
		pool.Submit(func() { panic("bad callback") })
		pool.Submit(func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pool stopped after panic")
		}
		require.NoError(t, pool.Close(time.Second))
		assert.Equal(t, uint64(1), pool.Stats().Panics)
	})

	t.Run("submit after close still runs", func(t *testing.T) {
		pool := NewDeliveryPool(1, 1, nil)
		require.NoError(t, pool.Close(time.Second))

		done := make(chan struct{})
		pool.Submit(func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task dropped after close")
		}
	})
}
