// Package recognition submits captured images to the recognition backend and
// classifies what comes back.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/storefront-id/internal/imagesource"
	"github.com/example/storefront-id/internal/logging"
)

const (
	// ProcessImagePath is the backend route accepting image uploads.
	ProcessImagePath = "/process_image"

	imageField        = "image"
	uploadFilename    = "upload.jpg"
	uploadContentType = "image/jpeg"

	maxResponseBytes = 1 << 20
)

var (
	// ErrUnexpectedResponse reports a 2xx body that is neither a result nor
	// the not-recognized sentinel.
	ErrUnexpectedResponse = errors.New("unexpected recognition response")
	// ErrResponseTooLarge reports a response body over the client's limit.
	ErrResponseTooLarge = errors.New("recognition response too large")
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received non-2xx status code: %d - %s", e.Code, e.Body)
}

// Config controls how submissions reach the backend. The zero values of
// Timeout and Retries mean a single attempt bounded only by the transport.
type Config struct {
	Endpoint       string
	Timeout        time.Duration
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Token          string
}

// Client uploads one image per Submit call.
type Client struct {
	url        string
	cfg        Config
	httpClient *http.Client
	open       func(path string) (io.ReadCloser, error)
	logger     *zap.Logger
}

// NewClient builds a client posting to cfg.Endpoint + ProcessImagePath.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Client{
		url:        strings.TrimRight(cfg.Endpoint, "/") + ProcessImagePath,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
		logger: logger.Named("recognition_client"),
	}
}

type processImageResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Error       string `json:"error"`
	RequestID   string `json:"request_id"`
}

// Submit uploads the image behind handle and classifies the response. Only
// transient transport failures are retried. It blocks until the backend
// answers, the retries are exhausted, or ctx ends.
func (c *Client) Submit(ctx context.Context, handle imagesource.Handle) Outcome {
	image, err := c.readImage(handle)
	if err != nil {
		wrapped := logging.NewOperationError("recognition.read_image", "", err)
		c.logger.Error("failed to read image", zap.String("handle", string(handle)), zap.Error(wrapped))
		return transportFailure(wrapped)
	}

	backoff := c.cfg.InitialBackoff
	var outcome Outcome
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff); err != nil {
				return transportFailure(logging.NewOperationError("recognition.submit", "", err))
			}
			if next := backoff * 2; next <= c.cfg.MaxBackoff {
				backoff = next
			}
		}

		outcome = c.post(ctx, image)
		if outcome.Kind != KindTransportFailure {
			if attempt > 0 {
				c.logger.Info("submission completed after retry", zap.Int("attempt", attempt+1))
			}
			return outcome
		}
		if ctx.Err() != nil || !isTransientError(outcome.Err) {
			break
		}
		c.logger.Warn("submission attempt failed", zap.Int("attempt", attempt+1), zap.Error(outcome.Err))
	}
	return outcome
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransientError reports whether another attempt could succeed: network
// and timeout failures, and 5xx or 429 replies.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

func (c *Client) readImage(handle imagesource.Handle) ([]byte, error) {
	if handle == "" {
		return nil, errors.New("empty image handle")
	}
	f, err := c.open(string(handle))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (c *Client) post(ctx context.Context, image []byte) Outcome {
	body, contentType, err := encodeImage(image)
	if err != nil {
		return transportFailure(logging.NewOperationError("recognition.encode", "", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return transportFailure(logging.NewOperationError("recognition.new_request", "", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportFailure(logging.NewOperationError("recognition.post", "", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return transportFailure(logging.NewOperationError("recognition.read_response", "", err))
	}
	if len(raw) > maxResponseBytes {
		err := fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, maxResponseBytes)
		return transportFailure(logging.NewOperationError("recognition.read_response", "", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		return transportFailure(logging.NewOperationError("recognition.post", "", err))
	}

	return classify(raw)
}

func classify(raw []byte) Outcome {
	var payload processImageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return transportFailure(logging.NewOperationError("recognition.decode", "", err))
	}

	if payload.Error != "" {
		if payload.Error == NotRecognizedMessage {
			return notRecognized(payload.Error)
		}
		err := fmt.Errorf("%w: backend error %q", ErrUnexpectedResponse, payload.Error)
		return transportFailure(logging.NewOperationError("recognition.decode", payload.RequestID, err))
	}

	if payload.Name == "" || payload.Description == "" {
		err := fmt.Errorf("%w: missing name or description", ErrUnexpectedResponse)
		return transportFailure(logging.NewOperationError("recognition.decode", payload.RequestID, err))
	}

	return success(&Result{Name: payload.Name, Description: payload.Description})
}

func encodeImage(image []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, imageField, uploadFilename))
	header.Set("Content-Type", uploadContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
