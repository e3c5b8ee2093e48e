package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/birdid/internal/logging"
	"github.com/example/birdid/internal/retry"
)

// Kind values for ClassificationLog.Kind.
const (
	KindPredict = "predict"
	KindVerify  = "verify"
)

// ClassificationLog represents one handled prediction or verification
// request.
type ClassificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Kind       string    `gorm:"column:kind;size:16;index"`
	Label      string    `gorm:"column:label;size:128"`
	Confidence float64   `gorm:"column:confidence"`
	Success    bool      `gorm:"column:success"`
	Details    string    `gorm:"column:details;type:text"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// MetricsAggregation holds the raw aggregates computed in the database.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
}

// ClassificationRepository provides persistence APIs for classification
// logs. Writes are retried on transient database errors.
type ClassificationRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:     db,
		logger: logger.Named("classification_repository"),
		retryPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a handled request.
func (r *ClassificationRepository) FindByRequestID(ctx context.Context, requestID string) (*ClassificationLog, error) {
	var log ClassificationLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}

// AggregateMetrics computes request totals and the average confidence across
// all persisted logs.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	row := r.db.WithContext(ctx).Model(&ClassificationLog{}).
		Select("COUNT(*) AS total_count, COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, COALESCE(AVG(confidence), 0) AS average_confidence").
		Row()
	if err := row.Scan(&agg.TotalCount, &agg.SuccessCount, &agg.AverageConfidence); err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	return &agg, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	err := retry.Do(ctx, r.retryPolicy, retry.Transient, fn)
	if err != nil {
		r.logger.Error("database operation failed",
			zap.String("operation", operation),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, err)
}
