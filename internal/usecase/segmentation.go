package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/floor-segmenter/internal/floormask"
	"github.com/example/floor-segmenter/internal/imagecodec"
	"github.com/example/floor-segmenter/internal/logging"
	"github.com/example/floor-segmenter/internal/metrics"
	"github.com/example/floor-segmenter/internal/segmenter"
)

var (
	// ErrModelNotLoaded means the model failed to load at startup.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrQueueFull means no inference slot freed up within the queue timeout.
	ErrQueueFull = errors.New("segmentation queue is full")
	// ErrModelCall wraps transport or server failures of the model call.
	ErrModelCall = errors.New("segmentation model request failed")
)

// Outcome labels used for metrics and logs.
const (
	OutcomeOK             = "ok"
	OutcomeInvalidFormat  = "invalid_format"
	OutcomeInvalidBase64  = "invalid_base64"
	OutcomeInvalidImage   = "invalid_image"
	OutcomeNoMasks        = "no_masks"
	OutcomeNoSuitableMask = "no_suitable_mask"
	OutcomeModelNotLoaded = "model_not_loaded"
	OutcomeQueueFull      = "queue_full"
	OutcomeModelError     = "model_error"
	OutcomeInternal       = "internal"
)

// Result is the JSON body of a successful segmentation.
type Result struct {
	MaskDataURL string `json:"maskDataUrl"`
	Height      int    `json:"height"`
	Width       int    `json:"width"`
}

// Options tunes the use case. Zero values fall back to the defaults below.
type Options struct {
	MaxConcurrent int
	QueueTimeout  time.Duration
	CacheTTL      time.Duration
	// ModelName is folded into cache keys together with the selector settings.
	ModelName string
	Selector  floormask.Selector
	Metrics   *metrics.Metrics
}

// FloorSegmentationUseCase owns the model handle and runs decode, inference, selection and encoding.
type FloorSegmentationUseCase struct {
	model          segmenter.Model
	cache          Cache
	selector       floormask.Selector
	slots          chan struct{}
	queueTimeout   time.Duration
	cacheTTL       time.Duration
	cacheScope     string
	metrics        *metrics.Metrics
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFloorSegmentationUseCase builds the use case. model may be nil when loading failed;
// cache may be nil to disable caching.
func NewFloorSegmentationUseCase(model segmenter.Model, cache Cache, opts Options, logger *zap.Logger) *FloorSegmentationUseCase {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Selector.LowerHalfBias == 0 {
		opts.Selector = floormask.NewSelector()
	}
	if opts.Selector.Threshold == 0 {
		opts.Selector.Threshold = floormask.DefaultThreshold
	}
	return &FloorSegmentationUseCase{
		model:          model,
		cache:          cache,
		selector:       opts.Selector,
		slots:          make(chan struct{}, opts.MaxConcurrent),
		queueTimeout:   opts.QueueTimeout,
		cacheTTL:       opts.CacheTTL,
		cacheScope:     fmt.Sprintf("%s|%g|%g", opts.ModelName, opts.Selector.Threshold, opts.Selector.LowerHalfBias),
		metrics:        opts.Metrics,
		logger:         logger.Named("floor_segmentation_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ModelLoaded reports whether a model handle is available.
func (uc *FloorSegmentationUseCase) ModelLoaded() bool {
	return uc.model != nil
}

// SegmentFloor decodes the data URL, runs the model and returns the floor mask.
func (uc *FloorSegmentationUseCase) SegmentFloor(ctx context.Context, requestID, imageDataURL string) (*Result, error) {
	result, err := uc.segmentFloor(ctx, requestID, imageDataURL)
	outcome := Outcome(err)
	uc.metrics.ObserveRequest(outcome)

	opLogger := logging.WithOperation(uc.logger, "usecase.segment_floor", requestID)
	switch outcome {
	case OutcomeOK:
		opLogger.Debug("floor mask returned", zap.Int("height", result.Height), zap.Int("width", result.Width))
	case OutcomeModelError, OutcomeInternal, OutcomeModelNotLoaded:
		opLogger.Error("segmentation failed", zap.String("outcome", outcome), zap.Error(err))
	default:
		opLogger.Info("segmentation rejected", zap.String("outcome", outcome), zap.Error(err))
	}
	return result, err
}

func (uc *FloorSegmentationUseCase) segmentFloor(ctx context.Context, requestID, imageDataURL string) (*Result, error) {
	img, err := imagecodec.DecodeDataURL(imageDataURL)
	if err != nil {
		return nil, err
	}

	if uc.model == nil {
		return nil, ErrModelNotLoaded
	}

	cacheKey := resultCacheKey(uc.cacheScope, img.Raw)
	if cached, ok := uc.lookup(ctx, requestID, cacheKey); ok {
		return cached, nil
	}

	set, err := uc.infer(ctx, requestID, img)
	if err != nil {
		return nil, err
	}

	selection, err := uc.selector.Select(set)
	if err != nil {
		return nil, err
	}

	maskURL, err := imagecodec.EncodeMaskDataURL(set.Masks[selection.Index], set.Height, set.Width)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_mask", requestID, err)
	}

	logging.WithOperation(uc.logger, "usecase.select_mask", requestID).Debug("floor mask selected",
		zap.Int("index", selection.Index),
		zap.Int("candidates", len(set.Masks)),
		zap.Int("area", selection.Area),
		zap.Float64("centroid_y", selection.CentroidY),
		zap.Bool("lower_half", selection.LowerHalf),
		zap.Float64("score", selection.Score))

	result := &Result{MaskDataURL: maskURL, Height: set.Height, Width: set.Width}
	uc.store(ctx, requestID, cacheKey, result)
	return result, nil
}

func (uc *FloorSegmentationUseCase) infer(ctx context.Context, requestID string, img *imagecodec.Image) (*floormask.MaskSet, error) {
	waitStart := time.Now()
	queueCtx, cancel := context.WithTimeout(ctx, uc.queueTimeout)
	defer cancel()

	select {
	case uc.slots <- struct{}{}:
		defer func() { <-uc.slots }()
	case <-queueCtx.Done():
		if ctx.Err() != nil {
			return nil, logging.NewOperationError("usecase.acquire_slot", requestID, ctx.Err())
		}
		return nil, ErrQueueFull
	}
	uc.metrics.ObserveQueueWait(time.Since(waitStart))

	start := time.Now()
	set, err := uc.model.Segment(ctx, segmenter.Request{RequestID: requestID, Image: img.RGB})
	uc.metrics.ObserveInference(time.Since(start))
	if err != nil {
		return nil, logging.NewOperationError("usecase.model_segment", requestID, fmt.Errorf("%w: %w", ErrModelCall, err))
	}
	if err := set.Validate(); err != nil {
		return nil, logging.NewOperationError("usecase.validate_masks", requestID, fmt.Errorf("%w: %w", ErrModelCall, err))
	}
	if set != nil && len(set.Masks) > 0 && (set.Height != img.Height() || set.Width != img.Width()) {
		err := fmt.Errorf("%w: masks are %dx%d, image is %dx%d",
			floormask.ErrInvalidShape, set.Width, set.Height, img.Width(), img.Height())
		return nil, logging.NewOperationError("usecase.validate_masks", requestID, fmt.Errorf("%w: %w", ErrModelCall, err))
	}
	return set, nil
}

func (uc *FloorSegmentationUseCase) lookup(ctx context.Context, requestID, key string) (*Result, bool) {
	if uc.cache == nil {
		return nil, false
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.cache_lookup", requestID)

	var raw string
	err := uc.withCacheRetry(ctx, requestID, "cache.get.result", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	switch {
	case errors.Is(err, ErrCacheMiss):
		uc.metrics.ObserveCacheLookup("miss")
		return nil, false
	case err != nil:
		uc.metrics.ObserveCacheLookup("error")
		opLogger.Warn("failed to read cache", zap.Error(err))
		return nil, false
	}

	var cached Result
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		uc.metrics.ObserveCacheLookup("error")
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	uc.metrics.ObserveCacheLookup("hit")
	opLogger.Debug("cache hit", zap.String("cache_key", key))
	return &cached, true
}

func (uc *FloorSegmentationUseCase) store(ctx context.Context, requestID, key string, result *Result) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_store", requestID).Warn("failed to serialize result", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_store", requestID).Warn("failed to cache result", zap.Error(err))
	}
}

// resultCacheKey hashes the model and selector settings together with the image bytes.
func resultCacheKey(scope string, raw []byte) string {
	h := sha1.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(raw)
	return "floormask:" + hex.EncodeToString(h.Sum(nil))
}

// Outcome classifies an error returned by SegmentFloor.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, imagecodec.ErrInvalidFormat):
		return OutcomeInvalidFormat
	case errors.Is(err, imagecodec.ErrInvalidBase64):
		return OutcomeInvalidBase64
	case errors.Is(err, imagecodec.ErrInvalidImage):
		return OutcomeInvalidImage
	case errors.Is(err, floormask.ErrNoMasksFound):
		return OutcomeNoMasks
	case errors.Is(err, floormask.ErrNoSuitableMask):
		return OutcomeNoSuitableMask
	case errors.Is(err, ErrModelNotLoaded):
		return OutcomeModelNotLoaded
	case errors.Is(err, ErrQueueFull):
		return OutcomeQueueFull
	case errors.Is(err, ErrModelCall):
		return OutcomeModelError
	default:
		return OutcomeInternal
	}
}

func (uc *FloorSegmentationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !isTransientError(err) {
			break
		}
		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
