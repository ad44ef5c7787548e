package publisher

import (
	"context"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/pkg/redis"
)

// streamMaxLen bounds each stream to roughly one day of 1m snapshots for a
// few hundred symbols.
const streamMaxLen = 500_000

// RedisPublisher appends every stored snapshot to the oi:snapshots:{cadence}
// stream.
type RedisPublisher struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewRedisPublisher(client *redis.Client, log *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func SnapshotValues(s models.Snapshot) map[string]interface{} {
	values := map[string]interface{}{
		"symbol":       s.Symbol,
		"cadence":      string(s.Cadence),
		"timestamp":    s.Timestamp.UnixMilli(),
		"openInterest": strconv.FormatFloat(s.OpenInterest, 'f', -1, 64),
		"source":       string(s.Source),
	}
	if s.SumOpenInterestValue != nil {
		values["sumOpenInterestValue"] = strconv.FormatFloat(*s.SumOpenInterestValue, 'f', -1, 64)
	}
	return values
}

func (p *RedisPublisher) Publish(ctx context.Context, snapshot models.Snapshot) error {
	return p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: models.RedisStreamSnapshots(snapshot.Cadence),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: SnapshotValues(snapshot),
	}).Err()
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.Snapshot) error {
	return nil
}
