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

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ClaimFollowupJob flags insurance claims sitting idle in a reviewable state.
type ClaimFollowupJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewClaimFollowupJob initialises the stale claim handler.
func NewClaimFollowupJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ClaimFollowupJob {
	return &ClaimFollowupJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type staleClaim struct {
	ID          string
	BillID      int64
	Provider    string
	Status      string
	ClaimAmount float64
	UpdatedAt   time.Time
}

// Handle executes the stale claim scan.
func (j *ClaimFollowupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("claim followup: handler not configured")
	}
	var payload ClaimFollowupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.IdleDays <= 0 {
		payload.IdleDays = 7
	}

	start := j.now()
	tracker := j.metrics().Track(TaskBillingClaimFollowup)
	var resultErr error
	defer func() {
		tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("idle_days", payload.IdleDays))
	logger.Info("starting claim followup scan")

	claims, err := j.scan(ctx, payload, start)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, claim := range claims {
		logger.Warn("claim needs followup",
			slog.String("claim_id", claim.ID),
			slog.Int64("bill_id", claim.BillID),
			slog.String("provider", claim.Provider),
			slog.String("status", claim.Status),
			slog.Float64("claim_amount", claim.ClaimAmount),
			slog.Time("last_activity", claim.UpdatedAt),
		)
	}
	j.metrics().AddClaimFollowups(len(claims))

	logger.Info("completed claim followup scan",
		slog.Int("stale", len(claims)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *ClaimFollowupJob) scan(ctx context.Context, payload ClaimFollowupPayload, now time.Time) ([]staleClaim, error) {
	if j.Pool == nil {
		return nil, errors.New("claim followup: pool not configured")
	}
	cutoff := now.AddDate(0, 0, -payload.IdleDays)
	rows, err := j.Pool.Query(ctx, `SELECT id, bill_id, provider, status, claim_amount, updated_at
FROM claims WHERE status IN ('submitted', 'under_review', 'additional_info') AND updated_at < $1
ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []staleClaim
	for rows.Next() {
		var claim staleClaim
		if err := rows.Scan(&claim.ID, &claim.BillID, &claim.Provider, &claim.Status, &claim.ClaimAmount, &claim.UpdatedAt); err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

func (j *ClaimFollowupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingClaimFollowup))
	}
	return slog.Default().With(slog.String("job", TaskBillingClaimFollowup))
}

func (j *ClaimFollowupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ClaimFollowupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
