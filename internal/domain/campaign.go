package domain

import (
	"encoding/json"
	"time"
)

// Campaign statuses.
const (
	CampaignDraft      = "draft"
	CampaignProcessing = "processing"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
	CampaignCancelled  = "cancelled"
)

// WaCampaign is one broadcast campaign: a message fanned out from one device
// to a list of target phone numbers.
type WaCampaign struct {
	ID             int64      `json:"id,string" gorm:"primaryKey"`
	TenantId       int64      `json:"tenant_id,string" gorm:"index"`
	DeviceId       int64      `json:"device_id,string" gorm:"index"`
	Message        string     `json:"message"`
	TargetContacts string     `json:"target_contacts"` // JSON array of phone numbers
	Status         string     `json:"status" gorm:"index"`
	SentCount      int        `json:"sent_count"`
	FailedCount    int        `json:"failed_count"`
	ErrorMessage   string     `json:"error_message"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (WaCampaign) TableName() string {
	return "wa_campaign"
}

// Targets decodes the stored target list. A malformed payload yields an empty list.
func (c *WaCampaign) Targets() []string {
	if c.TargetContacts == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(c.TargetContacts), &out); err != nil {
		return nil
	}
	return out
}

// SetTargets encodes the target list into the stored JSON column.
func (c *WaCampaign) SetTargets(targets []string) error {
	b, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	c.TargetContacts = string(b)
	return nil
}
