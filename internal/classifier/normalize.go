package classifier

import (
	"encoding/json"
	"errors"
	"sort"
)

// topKLimit bounds how many alternatives a Prediction carries.
const topKLimit = 5

// ErrUnexpectedShape signals a 2xx backend response whose body is not a
// non-empty list of label/score records.
var ErrUnexpectedShape = errors.New("unexpected backend response shape")

// Prediction is the normalized view over a successful classification.
// PredictedClass and Confidence always equal the first TopK entry.
type Prediction struct {
	PredictedClass string  `json:"predicted_class"`
	Confidence     float64 `json:"confidence"`
	TopK           []Label `json:"topK"`
}

// Normalize interprets a successful Outcome's payload into a Prediction.
// Error outcomes are the caller's to map; passing one in, or a payload that
// is not a non-empty label list, yields ErrUnexpectedShape. A record with a
// missing score is kept with score 0.
func Normalize(out *Outcome) (*Prediction, error) {
	if out == nil || out.Kind != KindSuccess {
		return nil, ErrUnexpectedShape
	}

	var labels []Label
	if err := json.Unmarshal(out.Raw, &labels); err != nil {
		return nil, ErrUnexpectedShape
	}
	if len(labels) == 0 {
		return nil, ErrUnexpectedShape
	}

	// Stable sort keeps the backend's order among equal scores, so ties
	// resolve to the entry encountered first.
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Score > labels[j].Score })

	topK := labels
	if len(topK) > topKLimit {
		topK = topK[:topKLimit]
	}

	return &Prediction{
		PredictedClass: topK[0].Name,
		Confidence:     topK[0].Score,
		TopK:           topK,
	}, nil
}
