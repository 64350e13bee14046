package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sender emits one message through a device's live session.
type Sender interface {
	SendText(ctx context.Context, deviceID int64, phoneDigits, text string) error
}

// RateChecker gates per-tenant message quotas.
type RateChecker interface {
	CheckTenant(ctx context.Context, tenantID int64, kind string) (bool, error)
}

// Locality reports whether a device's owning server is this instance. The
// queue is shared fleet-wide; only the owner holds the device's live session.
type Locality interface {
	IsLocal(serverID string) bool
}

// Worker drains campaign jobs: resolves the target list and source device and
// emits individual messages under the tenant's quota. A single target's
// failure is absorbed into the counters, never escalated to abort the
// campaign.
type Worker struct {
	db      *gorm.DB
	cfg     *config.WhatsappConfig
	limiter RateChecker
	sender  Sender
	local   Locality
}

func NewWorker(db *gorm.DB, cfg *config.WhatsappConfig, limiter RateChecker, sender Sender, local Locality) *Worker {
	return &Worker{db: db, cfg: cfg, limiter: limiter, sender: sender, local: local}
}

// HandleCampaignTask processes one queued campaign. The job is acknowledged
// (nil return) only after every target has been attempted; an error before
// that point lets the queue redeliver, which is safe because re-sending a
// duplicate message is cosmetic, not a correctness issue.
func (w *Worker) HandleCampaignTask(ctx context.Context, t *asynq.Task) error {
	var payload CampaignPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("worker: bad payload: %v: %w", err, asynq.SkipRetry)
	}

	var campaign domain.WaCampaign
	if err := w.db.First(&campaign, payload.CampaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("worker: campaign %d gone: %w", payload.CampaignID, asynq.SkipRetry)
		}
		return fmt.Errorf("worker: load campaign %d: %w", payload.CampaignID, err)
	}
	if campaign.Status != domain.CampaignProcessing {
		// cancelled or already finished by an earlier delivery
		return nil
	}

	var device domain.WaDevice
	if err := w.db.First(&device, campaign.DeviceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.finish(&campaign, 0, len(campaign.Targets()), "source device removed")
			return nil
		}
		return fmt.Errorf("worker: load device %d: %w", campaign.DeviceId, err)
	}
	if w.local != nil && !w.local.IsLocal(device.ServerId) {
		// retryable: leave the job for the instance holding the live session
		return fmt.Errorf("worker: device %d owned by server %s", device.ID, device.ServerId)
	}
	if device.Status != domain.DeviceConnected {
		// retryable: the connection machine may bring the device back before
		// the queue gives up
		return fmt.Errorf("worker: device %d not connected (status %s)", device.ID, device.Status)
	}

	targets := campaign.Targets()
	sent, failed := 0, 0
	for _, target := range targets {
		allowed, err := w.limiter.CheckTenant(ctx, campaign.TenantId, "message")
		if err != nil {
			zap.L().Warn("worker: quota check errored, allowing", zap.Error(err))
			allowed = true
		}
		if !allowed {
			// this target is failed-rate-limited; keep going with the rest
			failed++
			w.progress(&campaign, sent, failed)
			continue
		}

		digits, err := whatsapp.NormalizePhone(target, w.cfg.CountryCode, w.cfg.TrunkPrefix)
		if err != nil {
			failed++
			w.progress(&campaign, sent, failed)
			continue
		}

		if err := w.sender.SendText(ctx, campaign.DeviceId, digits, campaign.Message); err != nil {
			zap.L().Warn("worker: send failed",
				zap.Int64("campaign_id", campaign.ID), zap.String("target", digits), zap.Error(err))
			failed++
		} else {
			sent++
		}
		w.progress(&campaign, sent, failed)
	}

	status := domain.CampaignCompleted
	msg := ""
	if sent == 0 && len(targets) > 0 {
		status = domain.CampaignFailed
		msg = "no target could be delivered"
	}
	w.finishWithStatus(&campaign, sent, failed, status, msg)
	zap.L().Info("worker: campaign finished",
		zap.Int64("campaign_id", campaign.ID), zap.Int("sent", sent), zap.Int("failed", failed),
		zap.String("status", status))
	return nil
}

// progress writes counters back after every target, in list order, for
// progress reporting.
func (w *Worker) progress(campaign *domain.WaCampaign, sent, failed int) {
	if err := w.db.Model(&domain.WaCampaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"sent_count":   sent,
			"failed_count": failed,
			"updated_at":   time.Now(),
		}).Error; err != nil {
		zap.L().Warn("worker: progress update failed", zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}
}

func (w *Worker) finish(campaign *domain.WaCampaign, sent, failed int, msg string) {
	w.finishWithStatus(campaign, sent, failed, domain.CampaignFailed, msg)
}

func (w *Worker) finishWithStatus(campaign *domain.WaCampaign, sent, failed int, status, msg string) {
	if err := w.db.Model(&domain.WaCampaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"status":        status,
			"sent_count":    sent,
			"failed_count":  failed,
			"error_message": msg,
			"updated_at":    time.Now(),
		}).Error; err != nil {
		zap.L().Error("worker: final update failed", zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}
}
