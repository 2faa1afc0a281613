package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionUsageDigest aggregates sensitive-permission usage into
	// a daily digest.
	TaskPermissionUsageDigest = "digest:permission_usage"
)

// UsageDigestPayload selects the day to aggregate. An empty day means
// the previous UTC day.
type UsageDigestPayload struct {
	Day string `json:"day,omitempty"`
}

// NewPermissionUsageDigestTask constructs an Asynq task.
func NewPermissionUsageDigestTask(payload UsageDigestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionUsageDigest, data), nil
}
