package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/imagecodec"
	"github.com/example/floor-segmenter/internal/middleware"
	"github.com/example/floor-segmenter/internal/usecase"
)

// DefaultMaxBodyBytes bounds the JSON request body.
const DefaultMaxBodyBytes = 20 << 20

// BuildInfo is reported by /version.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Options configures the routes beyond the use case itself.
type Options struct {
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Build        BuildInfo
}

// ImageDataURL is a pointer so an empty string still reaches the decoder.
type segmentFloorRequest struct {
	ImageDataURL *string `json:"imageDataUrl"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.FloorSegmentationUseCase, opts Options) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_loaded": uc.ModelLoaded()})
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, opts.Build)
	})

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/segment-floor", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodyBytes)

		var req segmentFloorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "imageDataUrl is required"})
			return
		}
		if req.ImageDataURL == nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "imageDataUrl is required"})
			return
		}

		result, err := uc.SegmentFloor(c.Request.Context(), middleware.GetRequestID(c), *req.ImageDataURL)
		if err != nil {
			status, message := errorResponse(err)
			if status >= http.StatusInternalServerError {
				_ = c.Error(err)
			}
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, result)
	})
}

// errorResponse maps use case errors to the status and message returned to clients.
// Input and model-result errors keep HTTP 200 for compatibility with existing clients.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, imagecodec.ErrInvalidFormat):
		return http.StatusOK, "Invalid imageDataUrl format"
	case errors.Is(err, imagecodec.ErrInvalidBase64):
		return http.StatusOK, "Could not decode base64 image data"
	case errors.Is(err, imagecodec.ErrInvalidImage):
		return http.StatusOK, "Could not open image"
	case errors.Is(err, floormask.ErrNoMasksFound):
		return http.StatusOK, "No segmentation masks found"
	case errors.Is(err, floormask.ErrNoSuitableMask):
		return http.StatusOK, "No suitable floor mask detected"
	case errors.Is(err, usecase.ErrModelNotLoaded):
		return http.StatusServiceUnavailable, "Model not loaded"
	case errors.Is(err, usecase.ErrQueueFull):
		return http.StatusServiceUnavailable, "Segmentation queue is full"
	case errors.Is(err, usecase.ErrModelCall):
		return http.StatusBadGateway, "Segmentation model request failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
