package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/birdid/internal/retry"
)

// HuggingFaceConfig holds the knobs for the hosted inference API client.
type HuggingFaceConfig struct {
	URL            string
	Token          string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HuggingFaceClassifier posts raw image bytes to a hosted inference API and
// maps every possible response shape to an Outcome.
type HuggingFaceClassifier struct {
	cfg        HuggingFaceConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHuggingFaceClassifier constructs the remote backend client. Zero-valued
// config fields fall back to the documented defaults.
func NewHuggingFaceClassifier(cfg HuggingFaceConfig, logger *zap.Logger) *HuggingFaceClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 16 * time.Second
	}
	return &HuggingFaceClassifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("huggingface_classifier"),
	}
}

// coldStartError marks a 503 answer: the model is still loading upstream.
type coldStartError struct {
	body []byte
}

func (e *coldStartError) Error() string { return "model is loading" }

// transportError marks a network-level failure.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("inference request failed: %v", e.err) }

func (e *transportError) Unwrap() error { return e.err }

func retryableClassify(err error) bool {
	var cold *coldStartError
	var transport *transportError
	return errors.As(err, &cold) || errors.As(err, &transport)
}

// Classify posts the image to the inference API. Cold starts and network
// failures are retried with capped exponential backoff; every other response
// is mapped to an Outcome on the first attempt. It never returns an error.
func (c *HuggingFaceClassifier) Classify(ctx context.Context, image []byte) *Outcome {
	policy := retry.Policy{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: c.cfg.InitialBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
	}

	var out *Outcome
	err := retry.Do(ctx, policy, retryableClassify, func() error {
		return c.attempt(ctx, image, &out)
	})
	if err == nil {
		return out
	}

	var cold *coldStartError
	if errors.As(err, &cold) {
		c.logger.Warn("model never finished loading", zap.Int("attempts", c.cfg.MaxAttempts))
		return NewBackendError(http.StatusServiceUnavailable, cold.body, "model loading timeout")
	}
	c.logger.Warn("inference backend unreachable", zap.Error(err))
	return NewTransportFailure(err.Error())
}

func (c *HuggingFaceClassifier) attempt(ctx context.Context, image []byte, out **Outcome) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(image))
	if err != nil {
		return &transportError{err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-wait-for-model", "true")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("inference request failed", zap.Error(err))
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		c.logger.Info("model cold start, backing off")
		return &coldStartError{body: body}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		*out = NewSuccess(body)
		return nil
	default:
		*out = NewBackendError(resp.StatusCode, body, http.StatusText(resp.StatusCode))
		return nil
	}
}
