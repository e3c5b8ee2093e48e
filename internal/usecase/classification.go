package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/birdid/internal/classifier"
	"github.com/example/birdid/internal/logging"
	"github.com/example/birdid/internal/repository"
	"github.com/example/birdid/internal/retry"
	"github.com/example/birdid/internal/verify"
)

// LogRepository defines the persistence operations needed by the use case.
type LogRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// BirdVerifier judges whether an image contains a bird.
type BirdVerifier interface {
	Detect(ctx context.Context, image []byte) *verify.Result
}

// ClassificationUseCase orchestrates caching, classification, verification,
// and persistence for a single request. Persistence and caching are best
// effort: their failures are retried and logged but never fail the request,
// since the response contract only admits input, backend, and normalization
// errors.
type ClassificationUseCase struct {
	repo        LogRepository
	cache       Cache
	classifier  classifier.Classifier
	verifier    BirdVerifier
	logger      *zap.Logger
	cachePolicy retry.Policy
	resultTTL   time.Duration
}

// PredictResult carries everything the HTTP layer needs to map a response.
// Exactly one of Prediction, ShapeErr, or an error-kind Outcome applies.
type PredictResult struct {
	RequestID  string
	Cached     bool
	Prediction *classifier.Prediction
	Outcome    *classifier.Outcome
	ShapeErr   error
}

type cachedLog struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Success    bool      `json:"success"`
	Details    string    `json:"details"`
	Hash       string    `json:"sha1_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(repo LogRepository, cache Cache, cls classifier.Classifier, verifier BirdVerifier, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		repo:       repo,
		cache:      cache,
		classifier: cls,
		verifier:   verifier,
		logger:     logger.Named("classification_usecase"),
		cachePolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		resultTTL: 5 * time.Minute,
	}
}

// Predict runs the classification pipeline: image-hash cache lookup,
// backend call, normalization, then best-effort persistence and caching.
func (uc *ClassificationUseCase) Predict(ctx context.Context, imageBytes []byte) *PredictResult {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])
	hashKey := "prediction:image:" + hashHex

	if cached, err := uc.cacheGet(ctx, requestID, "cache.get.prediction", hashKey); err == nil {
		var pred classifier.Prediction
		if err := json.Unmarshal([]byte(cached), &pred); err != nil {
			opLogger.Warn("failed to decode cached prediction", zap.Error(err))
		} else {
			opLogger.Info("serving cached prediction", zap.String("hash", hashHex))
			return &PredictResult{RequestID: requestID, Cached: true, Prediction: &pred}
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("cache read failed", zap.Error(err))
	}

	outcome := uc.classifier.Classify(ctx, imageBytes)
	res := &PredictResult{RequestID: requestID, Outcome: outcome}

	if outcome.Kind == classifier.KindSuccess {
		pred, err := classifier.Normalize(outcome)
		if err != nil {
			res.ShapeErr = err
			opLogger.Warn("backend payload failed normalization", zap.Error(err))
		} else {
			res.Prediction = pred
		}
	}

	uc.recordPrediction(ctx, requestID, hashHex, hashKey, res)
	return res
}

// VerifyBird runs the single-shot bird verification pipeline and persists
// the outcome.
func (uc *ClassificationUseCase) VerifyBird(ctx context.Context, imageBytes []byte) (string, *verify.Result) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_bird", requestID)

	result := uc.verifier.Detect(ctx, imageBytes)

	hash := sha1.Sum(imageBytes)
	log := &repository.ClassificationLog{
		RequestID:  requestID,
		Kind:       repository.KindVerify,
		Label:      result.Label,
		Confidence: result.Confidence,
		Success:    result.OK,
		Details:    result.Message,
		SHA1Hash:   hex.EncodeToString(hash[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist verification log", zap.Error(err))
	}
	uc.cacheLogEntry(ctx, requestID, log)

	return requestID, result
}

// GetResult retrieves a stored request log, cache first.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.ClassificationLog, error) {
	cacheKey := "prediction:request:" + requestID
	if cached, err := uc.cacheGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedLog
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.ClassificationLog{
				RequestID:  payload.RequestID,
				Kind:       payload.Kind,
				Label:      payload.Label,
				Confidence: payload.Confidence,
				Success:    payload.Success,
				Details:    payload.Details,
				SHA1Hash:   payload.Hash,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *ClassificationUseCase) recordPrediction(ctx context.Context, requestID, hashHex, hashKey string, res *PredictResult) {
	log := &repository.ClassificationLog{
		RequestID: requestID,
		Kind:      repository.KindPredict,
		SHA1Hash:  hashHex,
		CreatedAt: time.Now().UTC(),
	}
	switch {
	case res.Prediction != nil:
		log.Success = true
		log.Label = res.Prediction.PredictedClass
		log.Confidence = res.Prediction.Confidence
		log.Details = fmt.Sprintf("topk:%d hash:%s", len(res.Prediction.TopK), hashHex)
	case res.ShapeErr != nil:
		log.Details = res.ShapeErr.Error()
	case res.Outcome != nil && res.Outcome.Kind == classifier.KindBackendError:
		log.Details = fmt.Sprintf("backend status %d: %s", res.Outcome.Status, res.Outcome.Message)
	case res.Outcome != nil:
		log.Details = res.Outcome.Message
	}

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", requestID).Error("failed to persist classification log", zap.Error(err))
	}
	uc.cacheLogEntry(ctx, requestID, log)

	if res.Prediction == nil {
		return
	}
	serialized, err := json.Marshal(res.Prediction)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.cacheSet(ctx, requestID, "cache.set.prediction", hashKey, string(serialized)); err != nil {
		logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to cache prediction", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) cacheLogEntry(ctx context.Context, requestID string, log *repository.ClassificationLog) {
	cached := cachedLog{
		RequestID:  log.RequestID,
		Kind:       log.Kind,
		Label:      log.Label,
		Confidence: log.Confidence,
		Success:    log.Success,
		Details:    log.Details,
		Hash:       log.SHA1Hash,
		CreatedAt:  log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_log", requestID).Warn("failed to serialize result log", zap.Error(err))
		return
	}
	if err := uc.cacheSet(ctx, requestID, "cache.set.result", "prediction:request:"+requestID, string(serialized)); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_log", requestID).Warn("failed to cache result log", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) cacheSet(ctx context.Context, requestID, operation, key, value string) error {
	err := retry.Do(ctx, uc.cachePolicy, retry.Transient, func() error {
		return uc.cache.Set(ctx, key, value, uc.resultTTL)
	})
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) cacheGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := retry.Do(ctx, uc.cachePolicy, retry.Transient, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", logging.NewOperationError(operation, requestID, err)
	}
	return result, nil
}
