package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/carewatch/internal/circuitbreaker"
	"github.com/mbd888/carewatch/internal/metrics"
)

const (
	settingsKeyPrefix = "carewatch:settings:"
	redisBreakerKey   = "redis"

	defaultSettingsCacheTTL = 5 * time.Minute
)

// fillSettingsScript stores a freshly loaded list only if no upsert bumped
// the patient's generation since the list was read. KEYS: list, generation.
// ARGV: generation seen on the miss, payload, TTL in milliseconds.
var fillSettingsScript = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CachedSettingsStore is a read-through Redis cache in front of a
// SettingsStore. Only the per-patient lists consulted on every anomaly are
// cached; writes go to the backing store and drop the cached list. Redis
// failures degrade to the backing store; with a breaker attached, a failing
// Redis is skipped entirely until the breaker lets a trial request through.
//
// Each upsert bumps a per-patient generation, and a list loaded on a miss is
// only cached if the generation is unchanged, so a slow reader cannot put
// back a list an upsert already replaced.
type CachedSettingsStore struct {
	inner   SettingsStore
	client  redis.Cmdable
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ SettingsStore = (*CachedSettingsStore)(nil)

// NewCachedSettingsStore wraps inner with a Redis cache.
func NewCachedSettingsStore(inner SettingsStore, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedSettingsStore {
	if ttl <= 0 {
		ttl = defaultSettingsCacheTTL
	}
	return &CachedSettingsStore{inner: inner, client: client, ttl: ttl, logger: logger}
}

// WithBreaker guards Redis calls with b.
func (c *CachedSettingsStore) WithBreaker(b *circuitbreaker.Breaker) *CachedSettingsStore {
	c.breaker = b
	return c
}

// Both keys share a hash tag so the fill script runs on one cluster slot.
func settingsCacheKey(patientID string) string {
	return settingsKeyPrefix + "{" + patientID + "}"
}

func settingsGenerationKey(patientID string) string {
	return settingsKeyPrefix + "gen:{" + patientID + "}"
}

func (c *CachedSettingsStore) UpsertSettings(ctx context.Context, s *AlertSettings) error {
	if err := c.inner.UpsertSettings(ctx, s); err != nil {
		return err
	}
	c.invalidate(ctx, s.PatientID)
	return nil
}

func (c *CachedSettingsStore) GetSettings(ctx context.Context, caregiverID, patientID string) (*AlertSettings, error) {
	return c.inner.GetSettings(ctx, caregiverID, patientID)
}

func (c *CachedSettingsStore) ListSettings(ctx context.Context, patientID string) ([]*AlertSettings, error) {
	if !c.allow() {
		metrics.SettingsCacheTotal.WithLabelValues("bypass").Inc()
		return c.inner.ListSettings(ctx, patientID)
	}
	key, genKey := settingsCacheKey(patientID), settingsGenerationKey(patientID)

	vals, err := c.client.MGet(ctx, key, genKey).Result()
	c.record(err)
	if err != nil {
		metrics.SettingsCacheTotal.WithLabelValues("error").Inc()
		c.logger.Warn("settings cache read failed", "patient_id", patientID, "error", err)
		return c.inner.ListSettings(ctx, patientID)
	}

	generation := "0"
	if g, ok := vals[1].(string); ok {
		generation = g
	}
	if data, ok := vals[0].(string); ok {
		var cached []*AlertSettings
		if jsonErr := json.Unmarshal([]byte(data), &cached); jsonErr == nil {
			metrics.SettingsCacheTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.SettingsCacheTotal.WithLabelValues("error").Inc()
	} else {
		metrics.SettingsCacheTotal.WithLabelValues("miss").Inc()
	}

	list, err := c.inner.ListSettings(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(list); err == nil {
		err := fillSettingsScript.Run(ctx, c.client, []string{key, genKey},
			generation, data, c.ttl.Milliseconds()).Err()
		c.record(err)
		if err != nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn("settings cache write failed", "patient_id", patientID, "error", err)
		}
	}
	return list, nil
}

// invalidate bumps the generation before dropping the list so that a fill
// started before the upsert is rejected.
func (c *CachedSettingsStore) invalidate(ctx context.Context, patientID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, settingsGenerationKey(patientID))
		pipe.Del(ctx, settingsCacheKey(patientID))
		return nil
	})
	c.record(err)
	if err != nil {
		c.logger.Warn("settings cache invalidation failed", "patient_id", patientID, "error", err)
	}
}

func (c *CachedSettingsStore) allow() bool {
	return c.breaker == nil || c.breaker.Allow(redisBreakerKey)
}

// record feeds the outcome of a Redis call to the breaker. A cache miss is
// a healthy response.
func (c *CachedSettingsStore) record(err error) {
	if c.breaker == nil {
		return
	}
	if err == nil || errors.Is(err, redis.Nil) {
		c.breaker.RecordSuccess(redisBreakerKey)
		return
	}
	c.breaker.RecordFailure(redisBreakerKey)
}
