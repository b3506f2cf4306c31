package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(calls *int32, val string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return val, nil
	}
}

func TestFetch_CachesUntilStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithStaleTime(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	key := MessagesKey("c1")

	var calls int32
	v, err := Fetch(ctx, c, key, counter(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	v, err = Fetch(ctx, c, key, counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", v, "fresh entry must be served from cache")
	assert.EqualValues(t, 1, calls)

	now = now.Add(2 * time.Minute)
	v, err = Fetch(ctx, c, key, counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 2, calls)
}

func TestFetch_ErrorsAreNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := ConversationKey("c1")

	_, err := Fetch(ctx, c, key, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)

	v, err := Fetch(ctx, c, key, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFetch_TypeMismatch(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := ProfileKey("u1")

	_, err := Fetch(ctx, c, key, func(context.Context) (string, error) { return "x", nil })
	require.NoError(t, err)

	_, err = Fetch(ctx, c, key, func(context.Context) (int, error) { return 1, nil })
	assert.Error(t, err)
}

func TestFetch_DeduplicatesConcurrentCalls(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := ReactionsKey("c1")

	release := make(chan struct{})
	var calls int32
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Fetch(ctx, c, key, fetch)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestInvalidate_WithoutSubscribersMarksStale(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := MessagesKey("c1")

	var calls int32
	_, err := Fetch(ctx, c, key, counter(&calls, "a"))
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, key))
	assert.EqualValues(t, 1, calls, "unsubscribed keys are not refetched eagerly")

	v, err := Fetch(ctx, c, key, counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 2, calls)
}

func TestInvalidate_SubscribedKeyRefetchesAndNotifies(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := MessagesKey("c1")

	val := "a"
	var calls int32
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return val, nil
	}
	_, err := Fetch(ctx, c, key, fetch)
	require.NoError(t, err)

	var notified []Key
	unsubscribe := c.Subscribe(key, func(k Key) { notified = append(notified, k) })
	assert.Equal(t, 1, c.Subscribers(key))

	val = "b"
	require.NoError(t, c.Invalidate(ctx, key))
	assert.EqualValues(t, 2, calls)
	assert.Equal(t, []Key{key}, notified)

	v, err := Fetch(ctx, c, key, fetch)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 2, calls, "refetched entry is fresh")

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, c.Subscribers(key))

	require.NoError(t, c.Invalidate(ctx, key))
	assert.Len(t, notified, 1)
}

func TestInvalidate_DuringFetchKeepsEntryStale(t *testing.T) {
	c := New()
	ctx := context.Background()
	key := ConversationKey("c1")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := Fetch(ctx, c, key, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "old", v)
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, key))
	close(release)
	<-done

	v, err := Fetch(ctx, c, key, func(context.Context) (string, error) { return "new", nil })
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "options:u1/c1", OptionsKey("u1", "c1").String())
	assert.Equal(t, KindInbox, InboxKey("u1").Kind())
	assert.Equal(t, "c1", MessagesKey("c1").ID())
	assert.NotEqual(t, MessagesKey("c1"), ReactionsKey("c1"))
}

func TestWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(WithRegisterer(reg))
	_, err := Fetch(context.Background(), c, ProfileKey("u1"), func(context.Context) (string, error) { return "p", nil })
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "dm_querycache_misses_total")
}

func TestFetch_CancelledCallerDoesNotFailOthers(t *testing.T) {
	c := New()
	key := MessagesKey("c1")

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "v", nil
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Fetch(first, c, key, fetch)
		firstErr <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		v, err := Fetch(context.Background(), c, key, func(context.Context) (string, error) {
			return "v", nil
		})
		assert.NoError(t, err)
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)
	assert.Equal(t, "v", <-second)

	v, err := Fetch(context.Background(), c, key, func(context.Context) (string, error) {
		return "", errors.New("must be served from cache")
	})
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestSweep_EvictsIdleEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(
		WithStaleTime(time.Minute),
		WithEvictAfter(10*time.Minute),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()
	fetch := func(context.Context) (string, error) { return "v", nil }

	_, err := Fetch(ctx, c, MessagesKey("idle"), fetch)
	require.NoError(t, err)
	_, err = Fetch(ctx, c, MessagesKey("watched"), fetch)
	require.NoError(t, err)
	unsubscribe := c.Subscribe(MessagesKey("watched"), func(Key) {})
	defer unsubscribe()
	require.NoError(t, c.Invalidate(ctx, ConversationKey("never-fetched")))
	assert.Equal(t, 3, c.Len())

	now = now.Add(5 * time.Minute)
	_, err = Fetch(ctx, c, MessagesKey("recent"), fetch)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len(), "no sweep before evictAfter has passed")

	now = now.Add(6 * time.Minute)
	_, err = Fetch(ctx, c, MessagesKey("recent"), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len(), "idle and never-fetched entries are dropped")
	assert.Equal(t, 1, c.Subscribers(MessagesKey("watched")))
}
