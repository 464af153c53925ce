package imagesource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileCamera captures by copying the current still frame exposed by a device
// path (a webcam snapshot file, a mounted capture device) into CaptureDir.
type FileCamera struct {
	DevicePath string
	CaptureDir string
	logger     *zap.Logger
}

// NewFileCamera returns a camera reading stills from devicePath.
func NewFileCamera(devicePath, captureDir string, logger *zap.Logger) *FileCamera {
	return &FileCamera{
		DevicePath: devicePath,
		CaptureDir: captureDir,
		logger:     logger.Named("file_camera"),
	}
}

// Capture copies the device frame into a new file and returns its path.
// Every failure is reported as ErrCaptureFailed.
func (c *FileCamera) Capture(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if c.DevicePath == "" {
		return "", fmt.Errorf("%w: no camera device configured", ErrCaptureFailed)
	}

	src, err := os.Open(c.DevicePath)
	if err != nil {
		c.logger.Warn("camera device unavailable", zap.String("device", c.DevicePath), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	defer src.Close()

	if err := os.MkdirAll(c.CaptureDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	path := filepath.Join(c.CaptureDir, "capture-"+uuid.NewString()+".jpg")
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("device %s returned an empty frame", c.DevicePath)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	c.logger.Debug("frame captured", zap.String("path", path), zap.Int64("bytes", n))
	return Handle(path), nil
}
