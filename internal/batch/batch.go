// Package batch runs a set of per-service tasks as one job and summarises
// the outcome. A failing task never stops the others.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lodgeboard/kpi-engine/internal/limiter"
)

// Status values recorded per service.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Job identifies a batch run.
type Job struct {
	ID        string
	StartedAt time.Time
}

// Task is one unit of work attributed to a service.
type Task struct {
	Service string
	Run     func(ctx context.Context) error
}

// ServiceResult records the outcome of a single task.
type ServiceResult struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Summary is the report produced by Run.
type Summary struct {
	JobID         string          `json:"jobId"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   time.Time       `json:"completedAt"`
	DurationMs    int64           `json:"durationMs"`
	Results       []ServiceResult `json:"results"`
	TotalServices int             `json:"totalServices"`
	SuccessCount  int             `json:"successCount"`
	FailedCount   int             `json:"failedCount"`
}

// AllFailed reports whether at least one task ran and none succeeded.
func (s Summary) AllFailed() bool {
	return s.TotalServices > 0 && s.SuccessCount == 0
}

type options struct {
	limit    int
	progress func(pct float64)
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises Run.
type Option func(*options)

// WithLimit bounds the number of tasks running at once. The default runs
// tasks one after another.
func WithLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithProgress registers a callback receiving the completed percentage
// after each task settles.
func WithProgress(fn func(pct float64)) Option {
	return func(o *options) { o.progress = fn }
}

// WithLogger sets the logger used for per task failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Run executes tasks and returns the summary. Results keep the order of
// tasks regardless of completion order. A zero Job gets a generated id and
// the current time.
func Run(ctx context.Context, job Job, tasks []Task, opts ...Option) Summary {
	o := options{limit: 1, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = o.now()
	}
	logger := o.logger.With(slog.String("job_id", job.ID))

	tracker := newProgress(len(tasks), o.progress)
	wrapped := make([]limiter.Task[struct{}], len(tasks))
	for i, task := range tasks {
		wrapped[i] = func(ctx context.Context) (struct{}, error) {
			defer tracker.step()
			if task.Run == nil {
				return struct{}{}, fmt.Errorf("batch: service %q has no task", task.Service)
			}
			return struct{}{}, task.Run(ctx)
		}
	}
	settled := limiter.RunSettled(ctx, o.limit, wrapped)

	summary := Summary{
		JobID:         job.ID,
		StartedAt:     job.StartedAt,
		Results:       make([]ServiceResult, len(tasks)),
		TotalServices: len(tasks),
	}
	for i, res := range settled {
		result := ServiceResult{Service: tasks[i].Service, Status: StatusSuccess}
		if res.Err != nil {
			result.Status = StatusFailed
			result.Error = res.Err.Error()
			summary.FailedCount++
			logger.Error("batch task failed", slog.String("service", tasks[i].Service), slog.Any("error", res.Err))
		} else {
			summary.SuccessCount++
		}
		summary.Results[i] = result
	}
	summary.CompletedAt = o.now()
	summary.DurationMs = summary.CompletedAt.Sub(summary.StartedAt).Milliseconds()
	return summary
}
