package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

func registerCampaignRoutes() {
	webserver.ApiGET("/broadcast/campaigns", listCampaigns)
	webserver.ApiPOST("/broadcast/campaigns", createCampaign)
	webserver.ApiGET("/broadcast/campaigns/:id", getCampaign)
	webserver.ApiPOST("/broadcast/campaigns/:id/start", startCampaign)
	webserver.ApiPOST("/broadcast/campaigns/:id/cancel", cancelCampaign)
	webserver.ApiPOST("/broadcast/dispatch", runDispatchCycle)
}

// runDispatchCycle triggers one dispatch pass immediately instead of waiting
// for the next scheduled poll.
func runDispatchCycle(c echo.Context) error {
	n, err := dispatcher.PollAndEnqueue(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DISPATCH_FAILED", "Dispatch cycle failed", err.Error())
	}
	return ok(c, map[string]interface{}{"enqueued": n})
}

func listCampaigns(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.WaCampaign{})
	if tid := webserver.GetTenantId(c); tid > 0 {
		db = db.Where("tenant_id = ?", tid)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query campaigns", err.Error())
	}

	var campaigns []domain.WaCampaign
	if err := db.Order("id DESC").Offset((page-1)*pageSize).Limit(pageSize).Find(&campaigns).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query campaigns", err.Error())
	}
	return paged(c, campaigns, total, page, pageSize)
}

func getCampaign(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid campaign id", nil)
	}
	var campaign domain.WaCampaign
	if err := GetDB(c).First(&campaign, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "CAMPAIGN_NOT_FOUND", "Campaign not found", nil)
	}
	return ok(c, campaign)
}

func createCampaign(c echo.Context) error {
	var payload struct {
		DeviceId    int64      `json:"device_id,string"`
		Message     string     `json:"message"`
		Targets     []string   `json:"targets"`
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.DeviceId == 0 || payload.Message == "" || len(payload.Targets) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "device_id, message and targets are required", nil)
	}

	var device domain.WaDevice
	if err := GetDB(c).First(&device, payload.DeviceId).Error; err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Source device not found", nil)
	}

	campaign := &domain.WaCampaign{
		ID:          common.UUIDint64(),
		TenantId:    device.TenantId,
		DeviceId:    device.ID,
		Message:     payload.Message,
		Status:      domain.CampaignDraft,
		ScheduledAt: payload.ScheduledAt,
	}
	if err := campaign.SetTargets(payload.Targets); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TARGETS", "Unable to encode target list", err.Error())
	}
	if err := GetDB(c).Create(campaign).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create campaign", err.Error())
	}
	return ok(c, campaign)
}

// startCampaign moves a draft to processing; the dispatch cycle picks it up
// within one poll interval.
func startCampaign(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid campaign id", nil)
	}
	var campaign domain.WaCampaign
	if err := GetDB(c).First(&campaign, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "CAMPAIGN_NOT_FOUND", "Campaign not found", nil)
	}
	if campaign.Status != domain.CampaignDraft {
		return fail(c, http.StatusConflict, "INVALID_STATE", "Only draft campaigns can be started",
			map[string]interface{}{"status": campaign.Status})
	}

	if err := GetDB(c).Model(&domain.WaCampaign{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.CampaignProcessing,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "START_FAILED", "Failed to start campaign", err.Error())
	}
	zap.L().Info("adminapi: campaign started", zap.Int64("id", id))
	return ok(c, map[string]interface{}{"started": true})
}

// cancelCampaign withdraws a campaign before the worker picks it up. A job
// already running checks the status again before sending, so cancellation
// takes effect up to that point.
func cancelCampaign(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid campaign id", nil)
	}
	var campaign domain.WaCampaign
	if err := GetDB(c).First(&campaign, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "CAMPAIGN_NOT_FOUND", "Campaign not found", nil)
	}
	if campaign.Status != domain.CampaignDraft && campaign.Status != domain.CampaignProcessing {
		return fail(c, http.StatusConflict, "INVALID_STATE", "Campaign is already finished",
			map[string]interface{}{"status": campaign.Status})
	}

	if err := GetDB(c).Model(&domain.WaCampaign{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.CampaignCancelled,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CANCEL_FAILED", "Failed to cancel campaign", err.Error())
	}
	return ok(c, map[string]interface{}{"cancelled": true})
}
