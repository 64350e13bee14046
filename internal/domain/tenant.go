package domain

import "time"

// Tenant plan codes. Premium tenants get scaled rate limits.
const (
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// SysTenant is one gateway customer owning devices and campaigns.
type SysTenant struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Name      string    `gorm:"index" json:"name"`
	PlanCode  string    `json:"plan_code"`
	Status    string    `json:"status"`
	Remark    string    `json:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SysTenant) TableName() string {
	return "sys_tenant"
}
