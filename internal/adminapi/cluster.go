package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
)

func registerClusterRoutes() {
	webserver.ApiGET("/status", getStatus)
	webserver.ApiGET("/cluster/servers", listServers)
	webserver.ApiGET("/cluster/status", getClusterStatus)
}

// getStatus summarizes gateway state for the dashboard landing view.
func getStatus(c echo.Context) error {
	db := GetDB(c)

	deviceCounts := map[string]int64{}
	rows := []struct {
		Status string
		N      int64
	}{}
	if err := db.Model(&domain.WaDevice{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	for _, r := range rows {
		deviceCounts[r.Status] = r.N
	}

	var processing int64
	if err := db.Model(&domain.WaCampaign{}).
		Where("status = ?", domain.CampaignProcessing).Count(&processing).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query campaigns", err.Error())
	}

	return ok(c, map[string]interface{}{
		"server_id":            coordinator.ServerID(),
		"devices":              deviceCounts,
		"campaigns_processing": processing,
	})
}

func listServers(c echo.Context) error {
	var servers []domain.WaServer
	if err := GetDB(c).Order("priority DESC, id").Find(&servers).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query servers", err.Error())
	}
	return ok(c, map[string]interface{}{"servers": servers})
}

func getClusterStatus(c echo.Context) error {
	var healthy int64
	if err := GetDB(c).Model(&domain.WaServer{}).
		Where("healthy = ?", true).Count(&healthy).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query servers", err.Error())
	}
	return ok(c, map[string]interface{}{
		"server_id":       coordinator.ServerID(),
		"healthy_servers": healthy,
	})
}
