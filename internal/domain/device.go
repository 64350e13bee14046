package domain

import (
	"time"

	"gorm.io/gorm"
)

// Connection methods for WaDevice.
const (
	MethodQR      = "qr"
	MethodPairing = "pairing"
)

// Lifecycle statuses for WaDevice.
const (
	DeviceDisconnected = "disconnected"
	DeviceConnecting   = "connecting"
	DeviceAwaitingCode = "awaiting_code"
	DeviceAwaitingScan = "awaiting_scan"
	DeviceConnected    = "connected"
	DeviceError        = "error"
)

// WaDevice is one authenticated (or authenticating) WhatsApp session endpoint.
// At most one live protocol client exists per device across the fleet; the
// server_id column records the instance that owns it.
type WaDevice struct {
	ID               int64          `json:"id,string" gorm:"primaryKey"`
	TenantId         int64          `json:"tenant_id,string" gorm:"index"`
	DeviceName       string         `json:"device_name"`
	ConnectionMethod string         `json:"connection_method"` // qr | pairing
	PhoneForPairing  string         `json:"phone_for_pairing"`
	Status           string         `json:"status" gorm:"index"`
	PairingCode      string         `json:"pairing_code"`
	PairingCodeAt    *time.Time     `json:"pairing_code_at"`
	QrCode           string         `json:"qr_code"`
	ErrorMessage     string         `json:"error_message"`
	PhoneNumber      string         `json:"phone_number"` // authenticated identity
	Jid              string         `json:"jid"`
	ServerId         string         `json:"server_id" gorm:"index"`
	LastConnectedAt  *time.Time     `json:"last_connected_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-" gorm:"index"`
}

func (WaDevice) TableName() string {
	return "wa_device"
}
