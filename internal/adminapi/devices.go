package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
)

func registerDeviceRoutes() {
	webserver.ApiGET("/whatsapp/devices", listDevices)
	webserver.ApiPOST("/whatsapp/devices", createDevice)
	webserver.ApiGET("/whatsapp/devices/:id", getDevice)
	webserver.ApiDELETE("/whatsapp/devices/:id", removeDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/connect", connectDevice)
	webserver.ApiPOST("/whatsapp/devices/:id/pair", pairDevice)
	webserver.ApiGET("/whatsapp/devices/:id/qr", getDeviceQR)
	webserver.ApiPOST("/whatsapp/devices/:id/disconnect", disconnectDevice)
}

func listDevices(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.WaDevice{})
	if tid := webserver.GetTenantId(c); tid > 0 {
		db = db.Where("tenant_id = ?", tid)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}

	var devices []domain.WaDevice
	if err := db.Order("id DESC").Offset((page-1)*pageSize).Limit(pageSize).Find(&devices).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	return paged(c, devices, total, page, pageSize)
}

func getDevice(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	var device domain.WaDevice
	if err := GetDB(c).First(&device, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	}
	return ok(c, device)
}

func createDevice(c echo.Context) error {
	var payload struct {
		Name   string `json:"name"`
		Method string `json:"method"`
		Phone  string `json:"phone"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "name is required", nil)
	}
	if payload.Method != domain.MethodQR && payload.Method != domain.MethodPairing {
		return fail(c, http.StatusBadRequest, "INVALID_METHOD", "method must be qr or pairing", nil)
	}
	if payload.Method == domain.MethodPairing && payload.Phone == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phone is required for pairing method", nil)
	}

	device := &domain.WaDevice{
		ID:               common.UUIDint64(),
		TenantId:         webserver.GetTenantId(c),
		DeviceName:       payload.Name,
		ConnectionMethod: payload.Method,
		PhoneForPairing:  payload.Phone,
		Status:           domain.DeviceDisconnected,
	}
	if err := GetDB(c).Create(device).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create device", err.Error())
	}

	serverID, err := coordinator.AssignDevice(c.Request().Context(), device.ID)
	if err != nil {
		zap.L().Warn("adminapi: device assignment failed", zap.Int64("id", device.ID), zap.Error(err))
	} else {
		device.ServerId = serverID
	}
	return ok(c, device)
}

func removeDevice(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	if err := waService.Remove(c.Request().Context(), id); err != nil {
		return fail(c, http.StatusInternalServerError, "REMOVE_FAILED", "Failed to remove device", err.Error())
	}
	return ok(c, map[string]interface{}{"removed": true})
}

// connectDevice starts the session bring-up in the background; progress is
// observable through the device status field.
func connectDevice(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	var device domain.WaDevice
	if err := GetDB(c).First(&device, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	}
	if !coordinator.IsLocal(device.ServerId) {
		return fail(c, http.StatusConflict, "WRONG_SERVER", "Device is owned by another gateway instance",
			map[string]interface{}{"server_id": device.ServerId})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := waService.BringOnline(ctx, id); err != nil {
			zap.L().Warn("adminapi: connect failed", zap.Int64("id", id), zap.Error(err))
		}
	}()
	return ok(c, map[string]interface{}{"started": true})
}

// pairDevice requests a pairing code synchronously so the caller can display
// it right away.
func pairDevice(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}

	outcome, err := waService.RequestPairingCode(c.Request().Context(), id)
	switch {
	case err == nil:
		return ok(c, outcome)
	case errors.Is(err, whatsapp.ErrAlreadyInProgress):
		return fail(c, http.StatusConflict, "PAIRING_IN_PROGRESS", "A pairing request is already running for this device", nil)
	case errors.Is(err, whatsapp.ErrInvalidPhone):
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "Device phone number is not valid", nil)
	case errors.Is(err, whatsapp.ErrPairingUnsupported):
		return fail(c, http.StatusBadGateway, "PAIRING_UNSUPPORTED", "Upstream rejected the pairing request", nil)
	case errors.Is(err, whatsapp.ErrAttemptsExhausted):
		return fail(c, http.StatusBadGateway, "PAIRING_FAILED", "Pairing attempts exhausted", err.Error())
	default:
		return fail(c, http.StatusInternalServerError, "PAIRING_FAILED", "Failed to request pairing code", err.Error())
	}
}

// getDeviceQR returns the QR payload string; the frontend renders it
// client-side.
func getDeviceQR(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	var device domain.WaDevice
	if err := GetDB(c).First(&device, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	}
	return ok(c, map[string]interface{}{
		"code":   device.QrCode,
		"has_qr": device.QrCode != "",
		"status": device.Status,
	})
}

func disconnectDevice(c echo.Context) error {
	id, ok2 := paramInt64(c, "id")
	if !ok2 {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device id", nil)
	}
	if err := waService.Disconnect(id); err != nil {
		return fail(c, http.StatusInternalServerError, "DISCONNECT_FAILED", "Failed to disconnect device", err.Error())
	}
	return ok(c, map[string]interface{}{"disconnected": true})
}
