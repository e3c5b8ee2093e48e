package classifier

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestScoredLabelsSoftmaxSumsToOne(t *testing.T) {
	lc := &LocalClassifier{meta: LocalMetadata{Classes: []string{"Robin", "Cardinal", "Swallow"}}}

	labels := lc.scoredLabels([]float32{2.0, 1.0, 0.5})
	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(labels))
	}

	var sum float64
	for _, l := range labels {
		if l.Score < 0 || l.Score > 1 {
			t.Fatalf("score out of range: %+v", l)
		}
		sum += l.Score
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("expected scores to sum to 1, got %f", sum)
	}
	if labels[0].Name != "Robin" || labels[0].Score <= labels[1].Score {
		t.Fatalf("expected Robin to dominate, got %+v", labels)
	}
}

func TestScoredLabelsIgnoresExtraLogits(t *testing.T) {
	lc := &LocalClassifier{meta: LocalMetadata{Classes: []string{"Robin"}}}

	labels := lc.scoredLabels([]float32{1.0, 5.0, 9.0})
	if len(labels) != 1 {
		t.Fatalf("expected 1 label, got %d", len(labels))
	}
	if labels[0].Score != 1.0 {
		t.Fatalf("single-class softmax should be 1.0, got %f", labels[0].Score)
	}
}

func TestPreprocessProducesNormalizedCHWLayout(t *testing.T) {
	lc := &LocalClassifier{meta: LocalMetadata{ImageSize: 4}}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}

	data := lc.preprocess(img)
	if len(data) != 3*4*4 {
		t.Fatalf("expected %d values, got %d", 3*4*4, len(data))
	}
	// Red plane near 1, green and blue planes near 0.
	if data[0] < 0.99 {
		t.Fatalf("expected red channel near 1, got %f", data[0])
	}
	if data[16] > 0.01 || data[32] > 0.01 {
		t.Fatalf("expected green/blue channels near 0, got %f %f", data[16], data[32])
	}
}
