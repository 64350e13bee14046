package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Coordinator tracks which backend instance owns which device. Each process
// registers a WaServer row at startup, republishes liveness on a heartbeat
// tick, and marks itself inactive on graceful shutdown. Devices are assigned
// to the highest-priority healthy server with the lowest load; with no server
// rows at all the system degrades to single-server mode.
type Coordinator struct {
	db         *gorm.DB
	id         string
	hostname   string
	priority   int
	staleAfter time.Duration
}

func New(db *gorm.DB, cfg *config.ClusterConfig) *Coordinator {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "wagate"
	}
	staleAfter := time.Duration(cfg.StaleAfterSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = 180 * time.Second
	}
	return &Coordinator{
		db:         db,
		id:         fmt.Sprintf("%s-%s", hostname, common.UUID()),
		hostname:   hostname,
		priority:   cfg.Priority,
		staleAfter: staleAfter,
	}
}

// ServerID returns this instance's identifier.
func (c *Coordinator) ServerID() string {
	return c.id
}

// IsLocal reports whether the given server id routes to this instance. An
// empty assignment is treated as local (single-server degrade).
func (c *Coordinator) IsLocal(serverID string) bool {
	return serverID == "" || serverID == c.id
}

// Initialize registers this process instance and returns its server id.
func (c *Coordinator) Initialize(ctx context.Context) (string, error) {
	now := time.Now()
	rec := &domain.WaServer{
		ID:              c.id,
		Hostname:        c.hostname,
		Healthy:         true,
		DeviceLoad:      0,
		Priority:        c.priority,
		LastHeartbeatAt: now,
	}
	if err := c.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("cluster: register server: %w", err)
	}
	zap.L().Info("cluster: server registered",
		zap.String("server_id", c.id), zap.Int("priority", c.priority))
	return c.id, nil
}

// UpdateHealth is the heartbeat: refreshes this instance's liveness and load,
// and flags peers whose heartbeats went stale.
func (c *Coordinator) UpdateHealth(ctx context.Context) error {
	now := time.Now()

	var load int64
	if err := c.db.WithContext(ctx).Model(&domain.WaDevice{}).
		Where("server_id = ?", c.id).Count(&load).Error; err != nil {
		zap.L().Warn("cluster: load count failed", zap.Error(err))
	}

	if err := c.db.WithContext(ctx).Model(&domain.WaServer{}).
		Where("id = ?", c.id).
		Updates(map[string]interface{}{
			"healthy":           true,
			"device_load":       load,
			"last_heartbeat_at": now,
			"updated_at":        now,
		}).Error; err != nil {
		return fmt.Errorf("cluster: heartbeat: %w", err)
	}

	if err := c.db.WithContext(ctx).Model(&domain.WaServer{}).
		Where("id <> ? AND healthy = ? AND last_heartbeat_at < ?", c.id, true, now.Add(-c.staleAfter)).
		Updates(map[string]interface{}{"healthy": false, "updated_at": now}).
		Error; err != nil {
		zap.L().Warn("cluster: stale peer sweep failed", zap.Error(err))
	}
	return nil
}

// Shutdown marks this instance inactive. Called on graceful termination.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Model(&domain.WaServer{}).
		Where("id = ?", c.id).
		Updates(map[string]interface{}{"healthy": false, "updated_at": time.Now()}).
		Error; err != nil {
		return fmt.Errorf("cluster: shutdown mark: %w", err)
	}
	zap.L().Info("cluster: server marked inactive", zap.String("server_id", c.id))
	return nil
}

// AssignDevice picks the owning server for a device and persists the
// assignment. Highest priority wins, lowest load breaks ties; without any
// server record the device stays implicitly local.
func (c *Coordinator) AssignDevice(ctx context.Context, deviceID int64) (string, error) {
	var srv domain.WaServer
	err := c.db.WithContext(ctx).
		Where("healthy = ?", true).
		Order("priority DESC, device_load ASC").
		First(&srv).Error
	serverID := c.id
	if err == nil {
		serverID = srv.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("cluster: select server: %w", err)
	}

	if err := c.db.WithContext(ctx).Model(&domain.WaDevice{}).
		Where("id = ?", deviceID).
		Updates(map[string]interface{}{"server_id": serverID, "updated_at": time.Now()}).
		Error; err != nil {
		return "", fmt.Errorf("cluster: assign device %d: %w", deviceID, err)
	}

	if err := c.db.WithContext(ctx).Model(&domain.WaServer{}).
		Where("id = ?", serverID).
		Update("device_load", gorm.Expr("device_load + 1")).Error; err != nil {
		zap.L().Warn("cluster: load bump failed", zap.String("server_id", serverID), zap.Error(err))
	}

	zap.L().Info("cluster: device assigned",
		zap.Int64("device_id", deviceID), zap.String("server_id", serverID))
	return serverID, nil
}
