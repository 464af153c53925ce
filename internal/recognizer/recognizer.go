// Package recognizer defines the contract between the backend and the model
// service that identifies storefronts.
package recognizer

import "context"

// Result is the model's answer for one image.
type Result struct {
	Recognized  bool
	Name        string
	Description string
	Confidence  float32
}

// Client identifies the restaurant shown in an image.
type Client interface {
	Recognize(ctx context.Context, requestID string, image []byte) (*Result, error)
}
