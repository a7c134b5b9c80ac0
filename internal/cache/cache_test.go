package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_CachesWithinTTL(t *testing.T) {
	c := NewKeyed[string, int]("test", 50*time.Millisecond, time.Second)

	var calls int32
	fetch := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeyed_RefetchesAfterTTLExpires(t *testing.T) {
	c := NewKeyed[string, int]("test", 10*time.Millisecond, time.Second)

	var calls int32
	fetch := func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}

	v1, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	time.Sleep(20 * time.Millisecond)

	v2, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestKeyed_ConcurrentMissesCollapseIntoOneFetch(t *testing.T) {
	c := NewKeyed[string, int]("test", time.Second, time.Second)

	var calls int32
	fetch := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 7, nil
	}

	done := make(chan int, 10)
	for i := 0; i < 10; i++ {
		go func() {
			v, err := c.Get(context.Background(), "shared", fetch)
			require.NoError(t, err)
			done <- v
		}()
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, 7, <-done)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeyed_DistinctKeysFetchIndependently(t *testing.T) {
	c := NewKeyed[string, int]("test", time.Second, time.Second)

	a, err := c.Get(context.Background(), "a", func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	b, err := c.Get(context.Background(), "b", func(ctx context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestSingle_CachesOneValue(t *testing.T) {
	c := NewSingle[int]("single", 50*time.Millisecond, time.Second)

	var calls int32
	fetch := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 99, nil
	}

	v, err := c.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 99, v)

	v, err = c.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
