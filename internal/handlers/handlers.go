package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/storefront-id/internal/auth"
	"github.com/example/storefront-id/internal/recognition"
	"github.com/example/storefront-id/internal/repository"
	"github.com/example/storefront-id/internal/usecase"
)

// MaxUploadSize caps the accepted image size.
const MaxUploadSize = 10 << 20

const multipartOverhead = 1 << 20

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/heic": true,
	"image/webp": true,
}

// RecognitionService is the subset of the use case the routes depend on.
type RecognitionService interface {
	RecognizeImage(ctx context.Context, userID string, image []byte) (*usecase.Recognition, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.RecognitionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. The guards run
// in front of every route except /health.
func RegisterRoutes(router *gin.Engine, svc RecognitionService, guards ...gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", guards...)

	api.POST(recognition.ProcessImagePath, func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded"})
			return
		}

		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}

		contentType := strings.ToLower(strings.TrimSpace(strings.Split(file.Header.Get("Content-Type"), ";")[0]))
		if !allowedContentTypes[contentType] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded"})
			return
		}

		rec, err := svc.RecognizeImage(c.Request.Context(), auth.UserIDOrAnonymous(c.Request.Context()), data)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "recognition failed"})
			return
		}

		if !rec.Recognized {
			c.JSON(http.StatusOK, gin.H{
				"request_id": rec.RequestID,
				"error":      recognition.NotRecognizedMessage,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":  rec.RequestID,
			"name":        rec.Name,
			"description": rec.Description,
			"confidence":  rec.Confidence,
			"cached":      rec.Cached,
		})
	})

	api.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := svc.GetResult(c.Request.Context(), auth.UserIDOrAnonymous(c.Request.Context()), requestID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":  log.RequestID,
			"recognized":  log.Recognized,
			"name":        log.Name,
			"description": log.Description,
			"confidence":  log.Confidence,
			"created_at":  log.CreatedAt,
		})
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}
