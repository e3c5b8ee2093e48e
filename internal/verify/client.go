package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrorKind values reported in a Result.
const (
	ErrorKindNotBird      = "not_bird"
	ErrorKindBackendError = "backend_error"
)

// Result reports whether an upload was confirmed to contain a bird.
// OK is true iff a bird-like label cleared the confidence threshold.
type Result struct {
	OK         bool    `json:"ok"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

// Config holds the knobs for the label-detection backend. The match label
// and threshold are policy, not algorithm, and stay configurable.
type Config struct {
	Endpoint      string
	MaxLabels     int
	MinConfidence float64 // 0-1 fraction
	MatchLabel    string
	Timeout       time.Duration
}

// Wire types of the label-detection backend: confidences on its native
// percent scale, optional parent category names.
type detectedParent struct {
	Name string `json:"name"`
}

type detectedLabel struct {
	Name       string           `json:"name"`
	Confidence float64          `json:"confidence"`
	Parents    []detectedParent `json:"parents"`
}

type detectResponse struct {
	Labels []detectedLabel `json:"labels"`
}

// Client calls the remote label-detection backend to verify bird images.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs the verification client with defaults for zero-valued
// config fields.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxLabels <= 0 {
		cfg.MaxLabels = 10
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.85
	}
	if cfg.MatchLabel == "" {
		cfg.MatchLabel = "bird"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("verify_client"),
	}
}

// Detect runs a single label-detection call and judges whether the best
// bird-like label clears the confidence threshold. Any backend failure is
// terminal; there is no retry. It never returns a Go error.
func (c *Client) Detect(ctx context.Context, image []byte) *Result {
	labels, err := c.detectLabels(ctx, image)
	if err != nil {
		c.logger.Error("label detection failed", zap.Error(err))
		return &Result{
			OK:        false,
			ErrorKind: ErrorKindBackendError,
			Message:   fmt.Sprintf("label detection failed: %v", err),
		}
	}

	best, found := c.bestBirdLike(labels)
	var confidence float64
	var name string
	if found {
		confidence = best.Confidence / 100.0
		name = best.Name
	}

	if confidence >= c.cfg.MinConfidence {
		return &Result{
			OK:         true,
			Label:      name,
			Confidence: confidence,
			Message:    fmt.Sprintf("%s detected with confidence %.2f", name, confidence),
		}
	}

	return &Result{
		OK:         false,
		Confidence: confidence,
		ErrorKind:  ErrorKindNotBird,
		Message:    fmt.Sprintf("no %s detected above threshold %.2f (best confidence %.2f)", c.cfg.MatchLabel, c.cfg.MinConfidence, confidence),
	}
}

func (c *Client) detectLabels(ctx context.Context, image []byte) ([]detectedLabel, error) {
	q := url.Values{}
	q.Set("max_labels", strconv.Itoa(c.cfg.MaxLabels))
	q.Set("min_confidence", strconv.FormatFloat(c.cfg.MinConfidence*100, 'f', 2, 64))
	endpoint := c.cfg.Endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("label detection returned status %d", resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode label detection response: %w", err)
	}
	return parsed.Labels, nil
}

// bestBirdLike returns the highest-confidence label whose name or parent
// matches the configured label.
func (c *Client) bestBirdLike(labels []detectedLabel) (detectedLabel, bool) {
	var best detectedLabel
	found := false
	for _, label := range labels {
		if !c.birdLike(label) {
			continue
		}
		if !found || label.Confidence > best.Confidence {
			best = label
			found = true
		}
	}
	return best, found
}

func (c *Client) birdLike(label detectedLabel) bool {
	if strings.EqualFold(label.Name, c.cfg.MatchLabel) {
		return true
	}
	for _, parent := range label.Parents {
		if strings.EqualFold(parent.Name, c.cfg.MatchLabel) {
			return true
		}
	}
	return false
}
