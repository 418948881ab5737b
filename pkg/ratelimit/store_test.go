package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis はminiredisとそれに接続したクライアントを生成する。
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	t.Run("カウンタが単調増加しTTLが設定されること", func(t *testing.T) {
		t.Parallel()

		mr, client := newTestRedis(t)
		store := NewRedisStore(client)
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			got, err := store.Increment(ctx, "rl:test:ip:1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		assert.Equal(t, time.Minute, mr.TTL("rl:test:ip:1"))
	})

	t.Run("ウィンドウ経過後はカウンタが期限切れになること", func(t *testing.T) {
		t.Parallel()

		mr, client := newTestRedis(t)
		store := NewRedisStore(client)
		ctx := context.Background()

		_, err := store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		mr.FastForward(11 * time.Second)

		got, err := store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("2回目以降のIncrementでTTLが延長されないこと", func(t *testing.T) {
		t.Parallel()

		mr, client := newTestRedis(t)
		store := NewRedisStore(client)
		ctx := context.Background()

		_, err := store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		mr.FastForward(4 * time.Second)
		_, err = store.Increment(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 6*time.Second, mr.TTL("k"))
	})

	t.Run("Redisが停止している場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		mr, client := newTestRedis(t)
		store := NewRedisStore(client)
		mr.Close()

		_, err := store.Increment(context.Background(), "k", time.Second)
		require.Error(t, err)
	})
}

func TestNewRedisClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = NewRedisClient(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	t.Run("並行にIncrementしても取りこぼしが無いこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore(1024, time.Minute)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Increment(ctx, "k", time.Minute)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(51), got)
	})
}
