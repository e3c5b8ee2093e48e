package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"os"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// LocalMetadata describes the bundled ONNX species model.
type LocalMetadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// LocalClassifier runs the species model in-process through ONNX Runtime.
// The session and its tensors are reused across requests, so inference runs
// are serialized.
type LocalClassifier struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	meta         LocalMetadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
}

// NewLocalClassifier loads the model and its class metadata once at startup.
func NewLocalClassifier(modelPath, metadataPath string, logger *zap.Logger) (*LocalClassifier, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	rawMeta, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}

	var meta LocalMetadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse model metadata: %w", err)
	}
	if len(meta.Classes) == 0 {
		return nil, fmt.Errorf("model metadata lists no classes")
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &LocalClassifier{
		session:      session,
		meta:         meta,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger.Named("local_classifier"),
	}, nil
}

// Close releases the session and its tensors.
func (lc *LocalClassifier) Close() {
	if lc.inputTensor != nil {
		lc.inputTensor.Destroy()
	}
	if lc.outputTensor != nil {
		lc.outputTensor.Destroy()
	}
	if lc.session != nil {
		lc.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// Classify decodes and preprocesses the image, runs the session, and emits
// the same label/score JSON the hosted backend produces, so normalization is
// shared between backends. It never returns a Go error.
func (lc *LocalClassifier) Classify(ctx context.Context, imageBytes []byte) *Outcome {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return NewBackendError(http.StatusInternalServerError, nil, fmt.Sprintf("failed to decode image: %v", err))
	}

	input := lc.preprocess(img)

	lc.mu.Lock()
	copy(lc.inputTensor.GetData(), input)
	runErr := lc.session.Run()
	var logits []float32
	if runErr == nil {
		logits = append([]float32(nil), lc.outputTensor.GetData()...)
	}
	lc.mu.Unlock()

	if runErr != nil {
		lc.logger.Error("local inference failed", zap.Error(runErr))
		return NewBackendError(http.StatusInternalServerError, nil, fmt.Sprintf("inference failed: %v", runErr))
	}

	raw, err := json.Marshal(lc.scoredLabels(logits))
	if err != nil {
		return NewBackendError(http.StatusInternalServerError, nil, fmt.Sprintf("failed to encode predictions: %v", err))
	}
	return NewSuccess(raw)
}

// preprocess resizes the image to the model's input size and lays out the
// pixels in normalized CHW order.
func (lc *LocalClassifier) preprocess(img image.Image) []float32 {
	size := uint(lc.meta.ImageSize)
	resized := resize.Resize(size, size, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, 3*width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*width + x
			data[idx] = float32(r) / 65535.0
			data[width*height+idx] = float32(g) / 65535.0
			data[2*width*height+idx] = float32(b) / 65535.0
		}
	}
	return data
}

// scoredLabels softmaxes the raw logits into per-class probabilities so the
// scores land in the same 0-1 range the hosted backend reports.
func (lc *LocalClassifier) scoredLabels(logits []float32) []Label {
	n := len(lc.meta.Classes)
	if n > len(logits) {
		n = len(logits)
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits[:n] {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}

	exps := make([]float64, n)
	var sum float64
	for i, v := range logits[:n] {
		exps[i] = math.Exp(float64(v) - maxLogit)
		sum += exps[i]
	}

	labels := make([]Label, n)
	for i := range labels {
		labels[i] = Label{Name: lc.meta.Classes[i], Score: exps[i] / sum}
	}
	return labels
}
