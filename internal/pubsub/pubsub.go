// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pubsub mirrors alerts and operational counters into Redis.
// Alert rows go out as JSON on a realtime channel for WebSocket fan-out,
// and a rolling threat score plus per-operation counters keep dashboards
// that read Redis directly working. Everything here is best-effort: the
// pipeline keeps detecting while Redis is down.
package pubsub

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/store"
)

// AlertChannel carries one JSON alert record per message.
const AlertChannel = "nds:alerts:realtime"

const (
	threatScoreKey = "nds:threat_score"
	counterPrefix  = "nds:metrics:"

	publishTimeout = time.Second

	// emaWeight is the weight of the newest risk in the rolling
	// threat-score average: new = 0.3*risk + 0.7*old.
	emaWeight = 0.3
)

// Counter names mirrored under nds:metrics:.
const (
	CounterPacketsProcessed  = "packets_processed"
	CounterFlowsAnalyzed     = "flows_analyzed"
	CounterAlertsGenerated   = "alerts_generated"
	CounterPredictionsMade   = "predictions_made"
	CounterAnomaliesDetected = "anomalies_detected"
)

// Bus is the Redis side of the pipeline: the detection workers publish
// through it and the WebSocket hub subscribes through it.
type Bus struct {
	rdb    *redis.Client
	logger *logging.Logger

	// mu serializes the threat-score read-modify-write across workers.
	mu sync.Mutex
}

// New connects to Redis and verifies connectivity with a ping before
// handing the bus to the pipeline.
func New(addr, password string, db int, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "pubsub")

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "redis ping %s", addr)
	}

	logger.Info("redis connected", "addr", addr, "db", db)
	return &Bus{rdb: rdb, logger: logger}, nil
}

// Close shuts down the underlying client and its pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping reports whether Redis currently answers. The health endpoint
// calls this on every probe.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "redis ping")
	}
	return nil
}

// PublishAlert sends the alert as JSON on AlertChannel. The publish is
// bounded at one second so a stalled Redis cannot back up the workers.
func (b *Bus) PublishAlert(ctx context.Context, alert *store.AlertRecord) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal alert")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, AlertChannel, payload).Err(); err != nil {
		return errors.Wrap(err, errors.KindTransient, "publish alert")
	}
	return nil
}

// SubscribeAlerts delivers every message published on AlertChannel to
// handler until the returned stop function is called. The subscription
// is confirmed with the server before returning.
func (b *Bus) SubscribeAlerts(ctx context.Context, handler func([]byte)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, AlertChannel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errors.Wrap(err, errors.KindUnavailable, "subscribe "+AlertChannel)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// UpdateThreatScore folds one final risk into the rolling network threat
// score and returns the new value. A key that was never set averages in
// as zero.
func (b *Bus) UpdateThreatScore(ctx context.Context, risk float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, err := b.threatScore(ctx)
	if err != nil {
		return 0, err
	}

	score := round6(emaWeight*risk + (1-emaWeight)*old)
	val := strconv.FormatFloat(score, 'f', -1, 64)
	if err := b.rdb.Set(ctx, threatScoreKey, val, 0).Err(); err != nil {
		return 0, errors.Wrap(err, errors.KindTransient, "set threat score")
	}
	return score, nil
}

// ThreatScore returns the current rolling score, zero when never set.
func (b *Bus) ThreatScore(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threatScore(ctx)
}

func (b *Bus) threatScore(ctx context.Context) (float64, error) {
	val, err := b.rdb.Get(ctx, threatScoreKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.KindTransient, "get threat score")
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		// Someone else wrote a non-numeric value under our key.
		// Restart the average rather than poisoning it.
		b.logger.Warn("threat score key not numeric, resetting", "value", val)
		return 0, nil
	}
	return score, nil
}

// IncrCounter bumps an operational counter by delta. Failures are
// dropped: the Prometheus registry stays the authoritative count and
// dashboards reading these keys tolerate gaps.
func (b *Bus) IncrCounter(ctx context.Context, name string, delta int64) {
	if delta <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_ = b.rdb.IncrBy(ctx, counterPrefix+name, delta).Err()
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
