package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	// NextRewardCode returns a human readable gift card code for a pool.
	NextRewardCode(ctx context.Context, poolID string) (string, error)
	NextBatchCode(ctx context.Context, tenantID string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

func (g *RedisGenerator) NextRewardCode(ctx context.Context, poolID string) (string, error) {
	return g.nextDailyCode(ctx, "GC", poolID)
}

func (g *RedisGenerator) NextBatchCode(ctx context.Context, tenantID string) (string, error) {
	return g.nextDailyCode(ctx, "BATCH", tenantID)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope string) (string, error) {
	today := g.now().UTC().Format("060102")
	key := rediskey.BuildSequenceKey(prefix, scope, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}

	// base36, padded to at least 4 chars
	encodedSeq := strings.ToUpper(fmt.Sprintf("%04s", strconv.FormatInt(seq, 36)))

	randSuffix, err := randomAlphaNumeric(4)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
