package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lodgeboard/kpi-engine/internal/batch"
	jobmetrics "github.com/lodgeboard/kpi-engine/internal/jobs"
	"github.com/lodgeboard/kpi-engine/internal/kpi"
	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/tenant"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Refresher recomputes KPI snapshots of a tenant.
type Refresher interface {
	Tenants() []tenant.Tenant
	Refresh(ctx context.Context, companyID int64, tags []period.Tag, kinds []kpi.Kind) (kpi.RefreshReport, error)
}

// KPIRefreshJob recomputes every tenant's KPIs as one batch.
type KPIRefreshJob struct {
	Refresher Refresher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	// Concurrency bounds how many tenants refresh at once.
	Concurrency int
	// ServiceTimeout caps a single tenant refresh. Zero means no cap.
	ServiceTimeout time.Duration
	clock          func() time.Time
}

// NewKPIRefreshJob wires dependencies for the refresh handler.
func NewKPIRefreshJob(refresher Refresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *KPIRefreshJob {
	return &KPIRefreshJob{
		Refresher:      refresher,
		Logger:         logger,
		Metrics:        metrics,
		Concurrency:    1,
		ServiceTimeout: 10 * time.Minute,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes refresh tasks. The task fails, and is retried by Asynq,
// only when no tenant refreshed successfully.
func (j *KPIRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("kpi refresh: handler not configured")
	}
	var payload KPIRefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("kpi refresh: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("kpi refresh: %v: %w", err, asynq.SkipRetry)
	}

	id, _ := asynq.GetTaskID(ctx)
	summary := j.Run(ctx, id, payload)
	if summary.AllFailed() {
		return fmt.Errorf("kpi refresh: all %d services failed", summary.TotalServices)
	}
	return nil
}

// Run executes one refresh batch and returns its summary.
func (j *KPIRefreshJob) Run(ctx context.Context, jobID string, payload KPIRefreshPayload) batch.Summary {
	tracker := j.metrics().Track(TaskKPIRefresh)
	logger := j.logger()

	tasks := j.tasks(payload)
	logger.Info("starting kpi refresh", slog.Int("services", len(tasks)), slog.Any("periods", payload.Periods))

	summary := batch.Run(ctx, batch.Job{ID: jobID, StartedAt: j.now()}, tasks,
		batch.WithLimit(j.Concurrency),
		batch.WithLogger(logger),
		batch.WithClock(j.now),
		batch.WithProgress(func(pct float64) {
			logger.Debug("kpi refresh progress", slog.Float64("percent", pct))
		}),
	)

	var runErr error
	if summary.AllFailed() {
		runErr = errors.New("all services failed")
	}
	_ = tracker.End(runErr)
	j.metrics().AddServiceResults(TaskKPIRefresh, summary.SuccessCount, summary.FailedCount)

	logger.Info("completed kpi refresh",
		slog.String("job_id", summary.JobID),
		slog.Int("total", summary.TotalServices),
		slog.Int("succeeded", summary.SuccessCount),
		slog.Int("failed", summary.FailedCount),
		slog.Int64("duration_ms", summary.DurationMs))
	return summary
}

func (j *KPIRefreshJob) tasks(payload KPIRefreshPayload) []batch.Task {
	wanted := make(map[int64]bool, len(payload.CompanyIDs))
	for _, id := range payload.CompanyIDs {
		wanted[id] = true
	}
	tenants := j.Refresher.Tenants()
	tasks := make([]batch.Task, 0, len(tenants))
	for _, t := range tenants {
		if len(wanted) > 0 && !wanted[t.ID] {
			continue
		}
		companyID := t.ID
		name := t.Service
		if name == "" {
			name = "company:" + strconv.FormatInt(companyID, 10)
		}
		tasks = append(tasks, batch.Task{
			Service: name,
			Run: func(ctx context.Context) error {
				if j.ServiceTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, j.ServiceTimeout)
					defer cancel()
				}
				_, err := j.Refresher.Refresh(ctx, companyID, payload.Periods, nil)
				return err
			},
		})
	}
	return tasks
}

func (j *KPIRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskKPIRefresh))
	}
	return slog.Default().With(slog.String("job", TaskKPIRefresh))
}

func (j *KPIRefreshJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *KPIRefreshJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
