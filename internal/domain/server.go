package domain

import "time"

// WaServer is one backend process instance in the fleet. Devices are routed to
// the highest-priority healthy server with capacity.
type WaServer struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(128)"`
	Hostname        string    `json:"hostname"`
	Healthy         bool      `json:"healthy" gorm:"index"`
	DeviceLoad      int       `json:"device_load"`
	Priority        int       `json:"priority"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (WaServer) TableName() string {
	return "wa_server"
}
