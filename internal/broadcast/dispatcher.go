package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dedupKeyPrefix = "wagate:broadcast:inflight:"

// Enqueuer is the queue-producer surface, satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher discovers campaigns ready to send and pushes each into the job
// queue exactly once per dedup window. The in-process set is the minimum
// guard; the Redis key extends it across process restarts.
type Dispatcher struct {
	db       *gorm.DB
	rdb      redis.UniversalClient
	queue    Enqueuer
	dedupTTL time.Duration

	mu       sync.Mutex
	inflight map[int64]time.Time
}

func NewDispatcher(db *gorm.DB, rdb redis.UniversalClient, queue Enqueuer, dedupTTL time.Duration) *Dispatcher {
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	return &Dispatcher{
		db:       db,
		rdb:      rdb,
		queue:    queue,
		dedupTTL: dedupTTL,
		inflight: make(map[int64]time.Time),
	}
}

// PollAndEnqueue runs one dispatch cycle: promote due scheduled campaigns,
// then enqueue every processing campaign that is not already in flight.
// Returns the number of jobs enqueued.
func (d *Dispatcher) PollAndEnqueue(ctx context.Context) (int, error) {
	now := time.Now()
	if err := d.db.WithContext(ctx).Model(&domain.WaCampaign{}).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.CampaignDraft, now).
		Updates(map[string]interface{}{"status": domain.CampaignProcessing, "updated_at": now}).
		Error; err != nil {
		return 0, fmt.Errorf("dispatcher: promote scheduled campaigns: %w", err)
	}

	var campaigns []domain.WaCampaign
	if err := d.db.WithContext(ctx).
		Where("status = ?", domain.CampaignProcessing).
		Order("id").Find(&campaigns).Error; err != nil {
		return 0, fmt.Errorf("dispatcher: list processing campaigns: %w", err)
	}

	count := 0
	for _, c := range campaigns {
		if !d.markInflight(ctx, c.ID) {
			continue
		}
		task, err := NewCampaignTask(c.ID)
		if err != nil {
			d.clearInflight(ctx, c.ID)
			zap.L().Error("dispatcher: build task failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if _, err := d.queue.Enqueue(task); err != nil {
			// enqueue failure must be observable, never a silent drop
			d.clearInflight(ctx, c.ID)
			d.markFailed(ctx, c.ID, fmt.Sprintf("enqueue failed: %v", err))
			zap.L().Error("dispatcher: enqueue failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
			continue
		}
		count++
		zap.L().Info("dispatcher: campaign enqueued", zap.Int64("campaign_id", c.ID))
	}
	return count, nil
}

// markInflight claims the campaign for one dedup window. The local set keeps
// the invariant when Redis is unavailable; the Redis key keeps it across
// restarts and instances.
func (d *Dispatcher) markInflight(ctx context.Context, campaignID int64) bool {
	now := time.Now()

	d.mu.Lock()
	for id, exp := range d.inflight {
		if now.After(exp) {
			delete(d.inflight, id)
		}
	}
	if _, busy := d.inflight[campaignID]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[campaignID] = now.Add(d.dedupTTL)
	d.mu.Unlock()

	ok, err := d.rdb.SetNX(ctx, dedupKey(campaignID), "1", d.dedupTTL).Result()
	if err != nil {
		zap.L().Warn("dispatcher: dedup store unreachable, local guard only",
			zap.Int64("campaign_id", campaignID), zap.Error(err))
		return true
	}
	if !ok {
		// another instance already claimed it
		d.mu.Lock()
		delete(d.inflight, campaignID)
		d.mu.Unlock()
		return false
	}
	return true
}

func (d *Dispatcher) clearInflight(ctx context.Context, campaignID int64) {
	d.mu.Lock()
	delete(d.inflight, campaignID)
	d.mu.Unlock()
	if err := d.rdb.Del(ctx, dedupKey(campaignID)).Err(); err != nil && err != redis.Nil {
		zap.L().Warn("dispatcher: dedup clear failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, campaignID int64, msg string) {
	if err := d.db.WithContext(ctx).Model(&domain.WaCampaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"status":        domain.CampaignFailed,
			"error_message": msg,
			"updated_at":    time.Now(),
		}).Error; err != nil {
		zap.L().Error("dispatcher: mark failed errored", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func dedupKey(campaignID int64) string {
	return fmt.Sprintf("%s%d", dedupKeyPrefix, campaignID)
}
