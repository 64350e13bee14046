package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const keyPrefix = "wagate:rate:"

// Settings provides runtime-tunable limit values from the settings table.
type Settings interface {
	GetInt64(category, key string) int64
}

// Limiter implements TTL-windowed counters over Redis. Counters reflect
// offered load: a denied request is still counted, so backoff pressure stays
// visible during an overload episode. Unlike the Locker this component fails
// open when Redis is unreachable, since it is a secondary protection rather
// than a correctness invariant.
type Limiter struct {
	rdb      redis.UniversalClient
	db       *gorm.DB
	settings Settings
}

func New(rdb redis.UniversalClient, db *gorm.DB, settings Settings) *Limiter {
	return &Limiter{rdb: rdb, db: db, settings: settings}
}

// CheckAndIncrement atomically increments the counter for key and reports
// whether the post-increment value is within limit. The INCR and EXPIRE are
// pipelined so a crash between them cannot leave a key without expiry; the
// TTL is only set when the key is fresh (NX) so the window is not extended by
// later increments.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, keyPrefix+key)
	pipe.ExpireNX(ctx, keyPrefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("ratelimit: redis unreachable, failing open",
			zap.String("key", key), zap.Error(err))
		return true, nil
	}
	return incr.Val() <= limit, nil
}

// CurrentCount returns the counter value for key, zero when absent.
func (l *Limiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	n, err := l.rdb.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: current count %s: %w", key, err)
	}
	return n, nil
}

// Reset removes the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", key, err)
	}
	return nil
}

type checkWindow struct {
	name    string
	limit   int64
	seconds int64
}

// CheckTenant evaluates every configured window for the tenant's resource
// kind and returns the AND of the results. The tenant's plan is resolved once
// per check and premium limits are scaled before evaluation. All windows are
// incremented even when one denies, so each counter keeps reflecting offered
// load.
func (l *Limiter) CheckTenant(ctx context.Context, tenantID int64, kind string) (bool, error) {
	windows := l.tenantWindows(tenantID, kind)
	allowed := true
	for _, w := range windows {
		key := fmt.Sprintf("%d:%s:%s", tenantID, kind, w.name)
		ok, err := l.CheckAndIncrement(ctx, key, w.limit, time.Duration(w.seconds)*time.Second)
		if err != nil {
			return false, err
		}
		if !ok {
			allowed = false
		}
	}
	return allowed, nil
}

func (l *Limiter) tenantWindows(tenantID int64, kind string) []checkWindow {
	title := kind
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	windows := []checkWindow{
		{"minute", l.settings.GetInt64("ratelimit", title+"PerMinute"), 60},
		{"hour", l.settings.GetInt64("ratelimit", title+"PerHour"), 3600},
		{"day", l.settings.GetInt64("ratelimit", title+"PerDay"), 86400},
	}

	multiplier := int64(1)
	var tenant domain.SysTenant
	if err := l.db.First(&tenant, tenantID).Error; err == nil && tenant.PlanCode == domain.PlanPremium {
		if m := l.settings.GetInt64("ratelimit", "PremiumMultiplier"); m > 1 {
			multiplier = m
		}
	}

	out := windows[:0]
	for _, w := range windows {
		if w.limit <= 0 {
			// zero means the window is not configured for this kind
			continue
		}
		w.limit *= multiplier
		out = append(out, w)
	}
	return out
}
