// Package imagesource provides the camera and gallery providers that hand
// image handles to the capture workflow.
package imagesource

import (
	"context"
	"errors"
)

// Handle references a captured or selected image. For the providers in this
// package it is a local file path.
type Handle string

var (
	// ErrCaptureFailed reports a hardware or permission failure while capturing.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrPickCancelled reports that the user dismissed the gallery picker.
	ErrPickCancelled = errors.New("gallery pick cancelled")
	// ErrPickFailed reports that the selected gallery image could not be read.
	ErrPickFailed = errors.New("gallery pick failed")
)

// Camera yields a freshly captured image.
type Camera interface {
	Capture(ctx context.Context) (Handle, error)
}

// Gallery yields an image the user selected from existing photos.
type Gallery interface {
	Pick(ctx context.Context) (Handle, error)
}
