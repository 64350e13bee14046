package broadcast

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// TypeCampaign is the queue task type carrying one campaign reference.
const TypeCampaign = "broadcast:campaign"

// CampaignPayload is the job body: one unit of dispatch work wrapping a
// campaign reference.
type CampaignPayload struct {
	CampaignID int64 `json:"campaign_id"`
}

// NewCampaignTask builds the queue task for a campaign. Delivery is
// at-least-once; the worker tolerates redelivery.
func NewCampaignTask(campaignID int64) (*asynq.Task, error) {
	payload, err := json.Marshal(CampaignPayload{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCampaign, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}
