package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskKPIRefresh recomputes KPI snapshots for every tenant.
	TaskKPIRefresh = "kpi:refresh"
)

// KPIRefreshPayload selects what a refresh run recomputes. Empty fields mean
// every symbolic period and every configured company.
type KPIRefreshPayload struct {
	Periods    []period.Tag `json:"periods,omitempty"`
	CompanyIDs []int64      `json:"companyIds,omitempty"`
}

// Validate rejects tags a scheduled refresh cannot resolve on its own.
func (p KPIRefreshPayload) Validate() error {
	for _, tag := range p.Periods {
		if !tag.Valid() {
			return fmt.Errorf("%w: %s", period.ErrUnknownPeriod, tag)
		}
		if tag == period.Custom {
			return fmt.Errorf("jobs: %s cannot be refreshed on a schedule", tag)
		}
	}
	return nil
}

// NewKPIRefreshTask constructs an Asynq task.
func NewKPIRefreshTask(payload KPIRefreshPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskKPIRefresh, data), nil
}
