package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/birdid/internal/classifier"
	"github.com/example/birdid/internal/repository"
	"github.com/example/birdid/internal/verify"
)

type stubRepository struct {
	savedLogs []*repository.ClassificationLog
	saveErr   error
	findLog   *repository.ClassificationLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ClassificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg != nil {
		return s.agg, nil
	}
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubClassifier struct {
	outcome *classifier.Outcome
	calls   int
}

func (s *stubClassifier) Classify(ctx context.Context, image []byte) *classifier.Outcome {
	s.calls++
	return s.outcome
}

type stubVerifier struct {
	result *verify.Result
	calls  int
}

func (s *stubVerifier) Detect(ctx context.Context, image []byte) *verify.Result {
	s.calls++
	return s.result
}

func newTestUseCase(repo *stubRepository, cache *stubCache, cls *stubClassifier, verifier *stubVerifier) *ClassificationUseCase {
	uc := NewClassificationUseCase(repo, cache, cls, verifier, zap.NewNop())
	uc.cachePolicy.InitialDelay = time.Millisecond
	uc.cachePolicy.MaxDelay = 2 * time.Millisecond
	return uc
}

func TestPredictNormalizesAndPersists(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	cls := &stubClassifier{outcome: classifier.NewSuccess([]byte(`[{"label":"Cardinal","score":0.7},{"label":"Robin","score":0.9}]`))}
	uc := newTestUseCase(repo, cache, cls, &stubVerifier{})

	res := uc.Predict(context.Background(), []byte("image"))

	if res.Prediction == nil {
		t.Fatalf("expected prediction, got %+v", res)
	}
	if res.Prediction.PredictedClass != "Robin" {
		t.Fatalf("expected Robin, got %s", res.Prediction.PredictedClass)
	}
	if res.Cached {
		t.Fatal("expected fresh prediction, got cached")
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 saved log, got %d", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if !log.Success || log.Label != "Robin" || log.Kind != repository.KindPredict {
		t.Fatalf("unexpected log: %+v", log)
	}
	// Prediction cached by image hash and result log cached by request id.
	if len(cache.setKeys) < 2 {
		t.Fatalf("expected at least 2 cache writes, got %d", len(cache.setKeys))
	}
}

func TestPredictServesCachedPredictionWithoutBackendCall(t *testing.T) {
	pred := classifier.Prediction{PredictedClass: "Robin", Confidence: 0.9, TopK: []classifier.Label{{Name: "Robin", Score: 0.9}}}
	serialized, err := json.Marshal(pred)
	if err != nil {
		t.Fatalf("failed to marshal prediction: %v", err)
	}

	repo := &stubRepository{}
	cache := &stubCache{getValues: []string{string(serialized)}}
	cls := &stubClassifier{}
	uc := newTestUseCase(repo, cache, cls, &stubVerifier{})

	res := uc.Predict(context.Background(), []byte("image"))

	if !res.Cached {
		t.Fatalf("expected cached result, got %+v", res)
	}
	if res.Prediction == nil || res.Prediction.PredictedClass != "Robin" {
		t.Fatalf("unexpected prediction: %+v", res.Prediction)
	}
	if cls.calls != 0 {
		t.Fatalf("expected no backend calls, got %d", cls.calls)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("expected no log for cache hit, got %d", len(repo.savedLogs))
	}
}

func TestPredictSurfacesShapeErrorForMalformedPayload(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	cls := &stubClassifier{outcome: classifier.NewSuccess([]byte(`{"error":"weird"}`))}
	uc := newTestUseCase(repo, cache, cls, &stubVerifier{})

	res := uc.Predict(context.Background(), []byte("image"))

	if res.Prediction != nil {
		t.Fatalf("expected no prediction, got %+v", res.Prediction)
	}
	if !errors.Is(res.ShapeErr, classifier.ErrUnexpectedShape) {
		t.Fatalf("expected ErrUnexpectedShape, got %v", res.ShapeErr)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Success {
		t.Fatalf("expected one failed log, got %+v", repo.savedLogs)
	}
}

func TestPredictPassesBackendErrorThrough(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	cls := &stubClassifier{outcome: classifier.NewBackendError(401, []byte(`{"error":"invalid token"}`), "Unauthorized")}
	uc := newTestUseCase(repo, cache, cls, &stubVerifier{})

	res := uc.Predict(context.Background(), []byte("image"))

	if res.Prediction != nil || res.ShapeErr != nil {
		t.Fatalf("expected bare backend error, got %+v", res)
	}
	if res.Outcome.Kind != classifier.KindBackendError || res.Outcome.Status != 401 {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
}

func TestPredictSucceedsDespitePersistenceFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	cache := &stubCache{getErrs: []error{redis.Nil}, setErrs: []error{errors.New("redis down"), errors.New("redis down")}}
	cls := &stubClassifier{outcome: classifier.NewSuccess([]byte(`[{"label":"Robin","score":0.9}]`))}
	uc := newTestUseCase(repo, cache, cls, &stubVerifier{})

	res := uc.Predict(context.Background(), []byte("image"))

	if res.Prediction == nil || res.Prediction.PredictedClass != "Robin" {
		t.Fatalf("expected prediction despite storage failures, got %+v", res)
	}
}

func TestVerifyBirdPersistsOutcome(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	verifier := &stubVerifier{result: &verify.Result{OK: true, Label: "Swallow", Confidence: 0.9, Message: "Swallow detected"}}
	uc := newTestUseCase(repo, cache, &stubClassifier{}, verifier)

	requestID, result := uc.VerifyBird(context.Background(), []byte("image"))

	if requestID == "" {
		t.Fatal("expected a request id")
	}
	if !result.OK {
		t.Fatalf("expected ok, got %+v", result)
	}
	if verifier.calls != 1 {
		t.Fatalf("expected 1 verifier call, got %d", verifier.calls)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 saved log, got %d", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.Kind != repository.KindVerify || !log.Success || log.Label != "Swallow" {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestGetResultFallsBackToRepositoryOnCacheMiss(t *testing.T) {
	expected := &repository.ClassificationLog{RequestID: "req", Label: "Robin", Details: "from-db"}
	repo := &stubRepository{findLog: expected}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newTestUseCase(repo, cache, &stubClassifier{}, &stubVerifier{})

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetMetricsSummaryComputesSuccessRate(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, AverageConfidence: 0.8}}
	uc := newTestUseCase(repo, &stubCache{}, &stubClassifier{}, &stubVerifier{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.SuccessRate != 0.75 {
		t.Fatalf("expected success rate 0.75, got %f", summary.SuccessRate)
	}
	if summary.AverageConfidence != 0.8 {
		t.Fatalf("expected average confidence 0.8, got %f", summary.AverageConfidence)
	}
}
