package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/retry"
)

// Flow names recorded with each attempt.
const (
	FlowEnroll = "enroll"
	FlowVerify = "verify"
)

// AuthAttempt is one persisted enroll or verify request.
type AuthAttempt struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Username  string    `gorm:"column:username;index;size:128"`
	Flow      string    `gorm:"column:flow;size:16"`
	Success   bool      `gorm:"column:success"`
	Reason    string    `gorm:"column:reason;size:32"`
	Distance  *float64  `gorm:"column:distance"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AuthAttempt) TableName() string {
	return "auth_attempts"
}

// MetricsAggregation is the raw roll-up of the attempt log.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	VerifyCount      int64
	AverageDistance  float64
	AverageLatencyMs float64
}

// AttemptRepository persists the auth attempt log.
type AttemptRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{db: db, logger: logger.Named("attempt_repository"), policy: retry.DefaultPolicy}
}

// SaveAttempt persists an attempt entry.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt *AuthAttempt) error {
	return retry.Do(ctx, r.logger, r.policy, "store.save_attempt", attempt.RequestID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// FindByRequestIDAndUser retrieves an attempt matching the request and owner.
func (r *AttemptRepository) FindByRequestIDAndUser(ctx context.Context, requestID, username string) (*AuthAttempt, error) {
	var attempt AuthAttempt
	err := retry.Do(ctx, r.logger, r.policy, "store.find_attempt", requestID, func() error {
		err := r.db.WithContext(ctx).Where("request_id = ? AND username = ?", requestID, username).Take(&attempt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// AggregateMetrics rolls up the attempt log. Distances are averaged over
// verify attempts only.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.db.WithContext(ctx).Model(&AuthAttempt{}).Select(
		"COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
			"COALESCE(SUM(CASE WHEN flow = ? THEN 1 ELSE 0 END), 0) AS verify_count, " +
			"COALESCE(AVG(CASE WHEN flow = ? THEN distance END), 0) AS average_distance, " +
			"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		FlowVerify, FlowVerify,
	).Scan(&agg).Error
	if err != nil {
		return nil, logging.NewOperationError("store.aggregate_metrics", "", err)
	}
	return &agg, nil
}
