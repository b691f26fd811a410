package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingOverdueScan flags bills whose due date has lapsed.
	TaskBillingOverdueScan = "billing:overdue_scan"
	// TaskBillingClaimFollowup flags insurance claims idle in review.
	TaskBillingClaimFollowup = "billing:claim_followup"
)

// OverdueScanPayload tunes the overdue bill scan.
type OverdueScanPayload struct {
	GraceDays int `json:"grace_days"`
}

// ClaimFollowupPayload tunes the stale claim scan.
type ClaimFollowupPayload struct {
	IdleDays int `json:"idle_days"`
}

// NewOverdueScanTask constructs an Asynq task for the overdue bill scan.
func NewOverdueScanTask(graceDays int) (*asynq.Task, error) {
	data, err := json.Marshal(OverdueScanPayload{GraceDays: graceDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingOverdueScan, data), nil
}

// NewClaimFollowupTask constructs an Asynq task for the stale claim scan.
func NewClaimFollowupTask(idleDays int) (*asynq.Task, error) {
	data, err := json.Marshal(ClaimFollowupPayload{IdleDays: idleDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingClaimFollowup, data), nil
}
