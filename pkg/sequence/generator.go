package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"payout-engine/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out human-readable batch codes for bulk enqueues.
type Generator interface {
	NextBatchID(ctx context.Context) (string, error)
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

// NextBatchID returns codes shaped like "PB-251017-00AXK".
func (g *RedisGenerator) NextBatchID(ctx context.Context) (string, error) {
	today := g.now().UTC().Format("060102")
	key := rediskey.BuildBatchSequenceKey(today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 48*time.Hour).Err()
	}

	encodedSeq := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encodedSeq) < 3 {
		encodedSeq = strings.Repeat("0", 3-len(encodedSeq)) + encodedSeq
	}
	suffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("PB-%s-%s%s", today, encodedSeq, suffix), nil
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
