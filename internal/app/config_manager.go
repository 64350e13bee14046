package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
)

const configCacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// ConfigManager reads runtime settings from the sys_config table with a short
// in-process cache, so hot paths like quota checks do not hit the database on
// every call. Writes go straight through and invalidate the cached entry.
type ConfigManager struct {
	provider DBProvider

	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(provider DBProvider) *ConfigManager {
	return &ConfigManager{
		provider: provider,
		cache:    make(map[string]cachedValue),
	}
}

// GetString returns the setting value for category.key, or "" when unset.
func (m *ConfigManager) GetString(category, key string) string {
	ck := category + "." + key

	m.mu.RLock()
	if cv, ok := m.cache[ck]; ok && time.Since(cv.loadedAt) < configCacheTTL {
		m.mu.RUnlock()
		return cv.value
	}
	m.mu.RUnlock()

	var cfg domain.SysConfig
	err := m.provider.DB().
		Where("type = ? and name = ?", category, key).
		First(&cfg).Error
	if err != nil {
		return ""
	}

	m.mu.Lock()
	m.cache[ck] = cachedValue{value: cfg.Value, loadedAt: time.Now()}
	m.mu.Unlock()
	return cfg.Value
}

func (m *ConfigManager) GetInt64(category, key string) int64 {
	return cast.ToInt64(m.GetString(category, key))
}

func (m *ConfigManager) GetInt(category, key string) int {
	return cast.ToInt(m.GetString(category, key))
}

func (m *ConfigManager) GetBool(category, key string) bool {
	return cast.ToBool(m.GetString(category, key))
}

// SetValue upserts a setting and drops the cached copy.
func (m *ConfigManager) SetValue(category, key, value string) error {
	db := m.provider.DB()
	var count int64
	db.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, key).
		Count(&count)

	var err error
	if count == 0 {
		err = db.Create(&domain.SysConfig{
			Type:  category,
			Name:  key,
			Value: value,
		}).Error
	} else {
		err = db.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, key).
			Updates(map[string]interface{}{"value": value, "updated_at": time.Now()}).Error
	}
	if err != nil {
		zap.L().Error("save setting failed",
			zap.String("category", category), zap.String("key", key), zap.Error(err))
		return err
	}

	m.mu.Lock()
	delete(m.cache, category+"."+key)
	m.mu.Unlock()
	return nil
}
