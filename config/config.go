package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

type DBConfig struct {
	Type   string `yaml:"type" json:"type"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	Passwd string `yaml:"passwd" json:"passwd"`
	DB     int    `yaml:"db" json:"db"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsappConfig carries the pairing policy knobs. TrunkPrefix and CountryCode
// scope the phone normalizer to one national numbering plan; deployments for
// another region override both.
type WhatsappConfig struct {
	CountryCode        string `yaml:"country_code" json:"country_code"`
	TrunkPrefix        string `yaml:"trunk_prefix" json:"trunk_prefix"`
	PairingMaxAttempts int    `yaml:"pairing_max_attempts" json:"pairing_max_attempts"`
	CodeFreshSeconds   int    `yaml:"code_fresh_seconds" json:"code_fresh_seconds"`
	CodeRefreshSeconds int    `yaml:"code_refresh_seconds" json:"code_refresh_seconds"`
	LockTTLSeconds     int    `yaml:"lock_ttl_seconds" json:"lock_ttl_seconds"`
}

type BroadcastConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	DedupWindowSeconds  int `yaml:"dedup_window_seconds" json:"dedup_window_seconds"`
	QueueConcurrency    int `yaml:"queue_concurrency" json:"queue_concurrency"`
}

type ClusterConfig struct {
	Priority          int `yaml:"priority" json:"priority"`
	HeartbeatSeconds  int `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	StaleAfterSeconds int `yaml:"stale_after_seconds" json:"stale_after_seconds"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" json:"system"`
	Web       WebConfig       `yaml:"web" json:"web"`
	Database  DBConfig        `yaml:"database" json:"database"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Logger    LoggerConfig    `yaml:"logger" json:"logger"`
	Whatsapp  WhatsappConfig  `yaml:"whatsapp" json:"whatsapp"`
	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`
	Cluster   ClusterConfig   `yaml:"cluster" json:"cluster"`
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wagate",
			Location: "Asia/Jakarta",
			Workdir:  "/var/wagate",
		},
		Web: WebConfig{
			Host:   "0.0.0.0",
			Port:   1816,
			Secret: "wagate-secret",
		},
		Database: DBConfig{
			Type:   "postgres",
			Host:   "127.0.0.1",
			Port:   5432,
			Name:   "wagate",
			User:   "postgres",
			Passwd: "",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Logger: LoggerConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wagate/wagate.log",
		},
		Whatsapp: WhatsappConfig{
			CountryCode:        "62",
			TrunkPrefix:        "0",
			PairingMaxAttempts: 3,
			CodeFreshSeconds:   50,
			CodeRefreshSeconds: 45,
			LockTTLSeconds:     240,
		},
		Broadcast: BroadcastConfig{
			PollIntervalSeconds: 10,
			DedupWindowSeconds:  300,
			QueueConcurrency:    10,
		},
		Cluster: ClusterConfig{
			Priority:          100,
			HeartbeatSeconds:  60,
			StaleAfterSeconds: 180,
		},
	}
}

// LoadConfig reads the yaml configuration file, overlaying it on defaults.
// A missing file is not an error; environment overrides are applied last.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig()
	if cfile != "" {
		if data, err := os.ReadFile(filepath.Clean(cfile)); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}
	setEnvString("WAGATE_DB_HOST", &cfg.Database.Host)
	setEnvString("WAGATE_DB_NAME", &cfg.Database.Name)
	setEnvString("WAGATE_DB_USER", &cfg.Database.User)
	setEnvString("WAGATE_DB_PWD", &cfg.Database.Passwd)
	setEnvString("WAGATE_REDIS_ADDR", &cfg.Redis.Addr)
	setEnvString("WAGATE_REDIS_PWD", &cfg.Redis.Passwd)
	setEnvString("WAGATE_WEB_SECRET", &cfg.Web.Secret)
	setEnvString("WAGATE_WORKDIR", &cfg.System.Workdir)
	return cfg
}

// Validate checks that configuration required before accepting any work is present.
func (c *AppConfig) Validate() error {
	if c.Database.Type == "" {
		return fmt.Errorf("config: database.type is required")
	}
	if c.Database.Type != "postgres" && c.Database.Type != "sqlite" {
		return fmt.Errorf("config: unsupported database.type %q", c.Database.Type)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Web.Secret == "" {
		return fmt.Errorf("config: web.secret is required")
	}
	if c.Whatsapp.CountryCode == "" {
		return fmt.Errorf("config: whatsapp.country_code is required")
	}
	return nil
}

func setEnvString(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}
