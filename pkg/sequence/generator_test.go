package sequence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) (*RedisGenerator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := NewRedisGenerator(Params{Redis: rdb}).(*RedisGenerator)
	g.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	return g, mr
}

func TestNextRewardCodeIsSequentialPerPool(t *testing.T) {
	g, mr := newTestGenerator(t)
	ctx := context.Background()

	first, err := g.NextRewardCode(ctx, "pool-a")
	require.NoError(t, err)
	second, err := g.NextRewardCode(ctx, "pool-a")
	require.NoError(t, err)
	other, err := g.NextRewardCode(ctx, "pool-b")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(first, "GC-260304-0001"))
	require.True(t, strings.HasPrefix(second, "GC-260304-0002"))
	require.True(t, strings.HasPrefix(other, "GC-260304-0001"))

	ttl := mr.TTL("seq:GC:pool-a:260304")
	require.Equal(t, 48*time.Hour, ttl)
}
