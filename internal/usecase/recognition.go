package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/storefront-id/internal/logging"
	"github.com/example/storefront-id/internal/recognizer"
	"github.com/example/storefront-id/internal/repository"
)

const (
	requestTTL = 5 * time.Minute
	imageTTL   = time.Hour
)

// RecognitionRepository defines the persistence operations needed by the use case.
type RecognitionRepository interface {
	SaveLog(ctx context.Context, log *repository.RecognitionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.RecognitionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Recognition is the answer returned for one uploaded image.
type Recognition struct {
	RequestID   string
	Recognized  bool
	Name        string
	Description string
	Confidence  float32
	Cached      bool
}

// RecognitionUseCase encapsulates business logic for the recognition flow.
type RecognitionUseCase struct {
	repo           RecognitionRepository
	cache          Cache
	model          recognizer.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

type cachedRecognition struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Recognized  bool      `json:"recognized"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Confidence  float32   `json:"confidence"`
	Hash        string    `json:"sha1_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(repo RecognitionRepository, cache Cache, model recognizer.Client, logger *zap.Logger) *RecognitionUseCase {
	return &RecognitionUseCase{
		repo:           repo,
		cache:          cache,
		model:          model,
		logger:         logger.Named("recognition_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// RecognizeImage identifies the restaurant in image. Identical images reuse
// the cached answer instead of calling the model again. Cache failures are
// logged and never fail the request.
func (uc *RecognitionUseCase) RecognizeImage(ctx context.Context, userID string, image []byte) (*Recognition, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize_image", requestID)

	sum := sha1.Sum(image)
	hash := hex.EncodeToString(sum[:])
	format, width, height := imageInfo(image)

	started := uc.now()
	result, cached := uc.lookupImage(ctx, requestID, hash)
	if !cached {
		var err error
		result, err = uc.model.Recognize(ctx, requestID, image)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.model_recognize", requestID, err)
			opLogger.Error("model recognition failed", zap.Error(wrapped))
			return nil, wrapped
		}
	}
	latency := uc.now().Sub(started)

	log := &repository.RecognitionLog{
		RequestID:   requestID,
		UserID:      userID,
		SHA1Hash:    hash,
		Format:      format,
		Width:       width,
		Height:      height,
		Recognized:  result.Recognized,
		Name:        result.Name,
		Description: result.Description,
		Confidence:  result.Confidence,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   uc.now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist recognition log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(cachedRecognition{
		RequestID:   requestID,
		UserID:      userID,
		Recognized:  log.Recognized,
		Name:        log.Name,
		Description: log.Description,
		Confidence:  log.Confidence,
		Hash:        hash,
		CreatedAt:   log.CreatedAt,
	})
	if err != nil {
		opLogger.Warn("failed to serialize recognition", zap.Error(err))
	} else {
		uc.store(ctx, requestID, "cache.set.request", requestKey(requestID), string(serialized), requestTTL)
		if !cached {
			uc.store(ctx, requestID, "cache.set.image", imageKey(hash), string(serialized), imageTTL)
		}
	}

	opLogger.Info("image recognized",
		zap.Bool("recognized", result.Recognized),
		zap.Bool("cached", cached),
		zap.String("format", format),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Duration("latency", latency))

	return &Recognition{
		RequestID:   requestID,
		Recognized:  result.Recognized,
		Name:        result.Name,
		Description: result.Description,
		Confidence:  result.Confidence,
		Cached:      cached,
	}, nil
}

// GetResult retrieves a cached recognition or loads it from persistence.
func (uc *RecognitionUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.RecognitionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.request", requestKey(requestID))
	switch {
	case err == nil:
		var payload cachedRecognition
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.RecognitionLog{
				RequestID:   requestID,
				UserID:      payload.UserID,
				SHA1Hash:    payload.Hash,
				Recognized:  payload.Recognized,
				Name:        payload.Name,
				Description: payload.Description,
				Confidence:  payload.Confidence,
				CreatedAt:   payload.CreatedAt,
			}, nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

func (uc *RecognitionUseCase) lookupImage(ctx context.Context, requestID, hash string) (*recognizer.Result, bool) {
	raw, err := uc.withRedisGet(ctx, requestID, "cache.get.image", imageKey(hash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.lookup_image", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}
	var payload cachedRecognition
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logging.WithOperation(uc.logger, "usecase.lookup_image", requestID).Warn("failed to decode cached image result", zap.Error(err))
		return nil, false
	}
	return &recognizer.Result{
		Recognized:  payload.Recognized,
		Name:        payload.Name,
		Description: payload.Description,
		Confidence:  payload.Confidence,
	}, true
}

func (uc *RecognitionUseCase) store(ctx context.Context, requestID, operation, key, value string, ttl time.Duration) {
	if err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		return uc.cache.Set(ctx, key, value, ttl)
	}); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to cache recognition", zap.Error(err))
	}
}

func (uc *RecognitionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, backoff); err != nil {
				return logging.NewOperationError(operation, requestID, err)
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RecognitionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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

func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
