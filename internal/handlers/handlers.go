package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/birdid/internal/classifier"
	"github.com/example/birdid/internal/imagecheck"
	"github.com/example/birdid/internal/usecase"
	"github.com/example/birdid/internal/verify"
)

// MaxUploadSize bounds multipart uploads.
const MaxUploadSize = 10 << 20

// HealthInfo is echoed by the liveness endpoint.
type HealthInfo struct {
	Backend         string
	Model           string
	TokenConfigured bool
}

// RegisterRoutes wires the HTTP handlers to the Gin router. The middleware
// chain (if any) guards the upload endpoints only.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, health HealthInfo, middleware ...gin.HandlerFunc) {
	router.GET("/", func(c *gin.Context) {
		auth := "missing"
		if health.TokenConfigured {
			auth = "present"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"backend": health.Backend,
			"model":   health.Model,
			"auth":    auth,
		})
	})

	protected := router.Group("/", middleware...)
	protected.POST("/predict", func(c *gin.Context) {
		handlePredict(c, uc)
	})
	// The verification route keeps its historical casing plus friendlier
	// aliases.
	for _, route := range []string{"/VerifyBirdImage", "/verify-bird-image", "/verifybirdimage"} {
		protected.POST(route, func(c *gin.Context) {
			handleVerify(c, uc)
		})
	}

	router.GET("/results/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		log, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"kind":       log.Kind,
			"label":      log.Label,
			"confidence": log.Confidence,
			"success":    log.Success,
			"details":    log.Details,
			"created_at": log.CreatedAt,
		})
	})

	router.GET("/stats", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// readUpload pulls the image out of the multipart form and validates it
// before anything touches the network. A false return means the response has
// already been written.
func readUpload(c *gin.Context) ([]byte, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded, use 'file' as the form field"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file is too large"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open uploaded file"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
		return nil, false
	}

	if err := imagecheck.Check(data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return data, true
}

func handlePredict(c *gin.Context, uc *usecase.ClassificationUseCase) {
	data, ok := readUpload(c)
	if !ok {
		return
	}

	res := uc.Predict(c.Request.Context(), data)
	switch {
	case res.Prediction != nil:
		c.JSON(http.StatusOK, gin.H{
			"request_id":      res.RequestID,
			"predicted_class": res.Prediction.PredictedClass,
			"confidence":      res.Prediction.Confidence,
			"topK":            res.Prediction.TopK,
			"cached":          res.Cached,
		})
	case res.ShapeErr != nil:
		payload := gin.H{"error": "unexpected backend response"}
		if raw := res.Outcome.Raw; json.Valid(raw) {
			payload["raw"] = json.RawMessage(raw)
		} else {
			payload["raw"] = string(raw)
		}
		c.JSON(http.StatusBadGateway, payload)
	case res.Outcome != nil && res.Outcome.Kind == classifier.KindBackendError:
		writeBackendError(c, res.Outcome)
	default:
		message := "inference backend unreachable"
		if res.Outcome != nil && res.Outcome.Message != "" {
			message = res.Outcome.Message
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": message})
	}
}

// writeBackendError passes the upstream status and body through so callers
// can tell auth and quota failures from cold starts.
func writeBackendError(c *gin.Context, out *classifier.Outcome) {
	if len(out.Body) > 0 && json.Valid(out.Body) {
		c.Data(out.Status, "application/json", out.Body)
		return
	}
	c.JSON(out.Status, gin.H{"error": out.Message})
}

func handleVerify(c *gin.Context, uc *usecase.ClassificationUseCase) {
	data, ok := readUpload(c)
	if !ok {
		return
	}

	requestID, result := uc.VerifyBird(c.Request.Context(), data)

	status := http.StatusOK
	switch result.ErrorKind {
	case verify.ErrorKindNotBird:
		status = http.StatusUnprocessableEntity
	case verify.ErrorKindBackendError:
		status = http.StatusBadGateway
	}

	var label interface{}
	if result.Label != "" {
		label = result.Label
	}
	var errorKind interface{}
	if result.ErrorKind != "" {
		errorKind = result.ErrorKind
	}
	c.JSON(status, gin.H{
		"request_id": requestID,
		"ok":         result.OK,
		"label":      label,
		"confidence": result.Confidence,
		"message":    result.Message,
		"error_kind": errorKind,
	})
}
