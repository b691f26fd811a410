package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-hms/meridian-hms/internal/jobs"
)

// OverdueScanJob flags bills that remain unsettled past their due date.
type OverdueScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type overdueBill struct {
	ID         int64
	Number     string
	PatientRef string
	DueAmount  float64
	DueAt      time.Time
	Status     string
}

// Handle executes the overdue bill scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.GraceDays < 0 {
		payload.GraceDays = 0
	}

	start := j.now()
	tracker := j.metrics().Track(TaskBillingOverdueScan)
	var resultErr error
	defer func() {
		tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("grace_days", payload.GraceDays))
	logger.Info("starting overdue bill scan")

	bills, err := j.scan(ctx, payload, start)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, bill := range bills {
		logger.Warn("bill overdue",
			slog.Int64("bill_id", bill.ID),
			slog.String("number", bill.Number),
			slog.String("patient_ref", bill.PatientRef),
			slog.String("status", bill.Status),
			slog.Float64("due_amount", bill.DueAmount),
			slog.Time("due_at", bill.DueAt),
		)
	}
	j.metrics().SetOverdueBills(len(bills))

	logger.Info("completed overdue bill scan",
		slog.Int("overdue", len(bills)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *OverdueScanJob) scan(ctx context.Context, payload OverdueScanPayload, now time.Time) ([]overdueBill, error) {
	if j.Pool == nil {
		return nil, errors.New("overdue scan: pool not configured")
	}
	cutoff := now.AddDate(0, 0, -payload.GraceDays)
	rows, err := j.Pool.Query(ctx, `SELECT id, number, patient_ref, due_amount, due_at, status
FROM bills WHERE due_amount > 0 AND due_at < $1 ORDER BY due_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []overdueBill
	for rows.Next() {
		var bill overdueBill
		if err := rows.Scan(&bill.ID, &bill.Number, &bill.PatientRef, &bill.DueAmount, &bill.DueAt, &bill.Status); err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

func (j *OverdueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingOverdueScan))
	}
	return slog.Default().With(slog.String("job", TaskBillingOverdueScan))
}

func (j *OverdueScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
