// Package workflow drives the capture, confirm and recognize flow. A
// Controller owns one Session and is the only thing that mutates it; the
// presentation layer calls the On* methods and renders Snapshot.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/storefront-id/internal/imagesource"
	"github.com/example/storefront-id/internal/logging"
	"github.com/example/storefront-id/internal/recognition"
)

var (
	// ErrInvalidTransition reports an intent the current state does not accept.
	// The session is left unchanged.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrNoImage reports a confirmation without a captured image.
	ErrNoImage = errors.New("no image to confirm")
	// ErrEmptyHandle reports a capture callback without an image handle.
	ErrEmptyHandle = errors.New("empty image handle")
	// ErrNoCamera reports a capture request on a controller without a camera.
	ErrNoCamera = errors.New("no camera configured")
	// ErrNoGallery reports a gallery request on a controller without a gallery.
	ErrNoGallery = errors.New("no gallery configured")
)

// Submitter sends an image to the recognition backend.
type Submitter interface {
	Submit(ctx context.Context, handle imagesource.Handle) recognition.Outcome
}

// Listener receives a copy of the session after every change, in change
// order. It is called outside the controller lock and may call back into the
// controller.
type Listener func(Session)

// Option configures a Controller.
type Option func(*Controller)

// WithCamera sets the provider used by Capture.
func WithCamera(camera imagesource.Camera) Option {
	return func(c *Controller) { c.camera = camera }
}

// WithGallery sets the provider used by PickFromGallery.
func WithGallery(gallery imagesource.Gallery) Option {
	return func(c *Controller) { c.gallery = gallery }
}

// WithListener registers a change listener.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listener = l }
}

// Controller is the capture workflow state machine.
//
// Every mutating entry point runs under one mutex, so transitions never
// interleave. The upload runs on its own goroutine and applies its outcome
// only if the session token it captured at confirm time is still current.
type Controller struct {
	mu      sync.Mutex
	session Session
	cancel  context.CancelFunc
	seq     uint64

	notifyMu   sync.Mutex
	pending    []Session
	delivering bool
	delivered  uint64

	submitter Submitter
	camera    imagesource.Camera
	gallery   imagesource.Gallery
	listener  Listener
	logger    *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup
}

// New returns a controller in StateCapturing.
func New(submitter Submitter, logger *zap.Logger, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		submitter:  submitter,
		logger:     logger.Named("workflow"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = Session{ID: uuid.NewString(), State: StateCapturing}
	return c
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// OnImageCaptured stores handle and moves to StatePreviewing. It is ignored
// outside StateCapturing so a late callback from a superseded capture cannot
// replace the image being previewed.
func (c *Controller) OnImageCaptured(handle imagesource.Handle) error {
	if handle == "" {
		return ErrEmptyHandle
	}

	c.mu.Lock()
	if c.session.State != StateCapturing {
		state := c.session.State
		c.mu.Unlock()
		c.logger.Debug("ignoring capture outside capturing state", zap.Stringer("state", state))
		return fmt.Errorf("%w: image captured while %s", ErrInvalidTransition, state)
	}
	c.session.ImageRef = handle
	c.session.Notice = nil
	c.session.State = StatePreviewing
	snap := c.publish()
	c.mu.Unlock()

	c.logger.Info("image captured", zap.String("session_id", snap.ID), zap.String("image", string(handle)))
	c.notify(snap)
	return nil
}

// OnRetake discards the session and returns to StateCapturing. A submission
// still in flight is cancelled and its outcome will be ignored. Retaking
// while already capturing does nothing.
func (c *Controller) OnRetake() error {
	c.mu.Lock()
	if c.session.State == StateCapturing {
		c.mu.Unlock()
		return nil
	}
	from := c.session.State
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session = Session{
		ID:    uuid.NewString(),
		State: StateCapturing,
		token: c.session.token + 1,
	}
	snap := c.publish()
	c.mu.Unlock()

	c.logger.Info("session reset", zap.Stringer("from", from), zap.String("session_id", snap.ID))
	c.notify(snap)
	return nil
}

// OnBack is the go-back intent from the result and error screens. It has
// the same effect as OnRetake.
func (c *Controller) OnBack() error {
	return c.OnRetake()
}

// OnConfirm commits the previewed image and starts its upload. Repeated
// calls while the upload is in flight are ignored, so at most one
// submission exists per session.
func (c *Controller) OnConfirm() error {
	c.mu.Lock()
	switch c.session.State {
	case StatePreviewing:
	case StateSubmitting:
		c.mu.Unlock()
		c.logger.Debug("confirm ignored, submission already in flight")
		return nil
	default:
		state := c.session.State
		c.mu.Unlock()
		return fmt.Errorf("%w: confirm while %s", ErrInvalidTransition, state)
	}
	if c.session.ImageRef == "" {
		c.mu.Unlock()
		return ErrNoImage
	}

	c.session.token++
	c.session.State = StateSubmitting
	c.session.Notice = nil
	token := c.session.token
	handle := c.session.ImageRef
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	c.inflight.Add(1)
	snap := c.publish()
	c.mu.Unlock()

	c.logger.Info("submitting image",
		zap.String("session_id", snap.ID),
		zap.Uint64("token", token),
		zap.String("image", string(handle)))
	c.notify(snap)

	go c.submit(ctx, cancel, snap.ID, token, handle)
	return nil
}

func (c *Controller) submit(ctx context.Context, cancel context.CancelFunc, sessionID string, token uint64, handle imagesource.Handle) {
	defer c.inflight.Done()
	outcome := c.submitter.Submit(ctx, handle)
	cancel()
	c.complete(sessionID, token, outcome)
}

func (c *Controller) complete(sessionID string, token uint64, outcome recognition.Outcome) {
	opLogger := logging.WithOperation(c.logger, "workflow.complete", sessionID)

	c.mu.Lock()
	if c.session.token != token || c.session.State != StateSubmitting {
		current := c.session.token
		c.mu.Unlock()
		opLogger.Info("discarding stale submission outcome",
			zap.Uint64("token", token),
			zap.Uint64("current_token", current),
			zap.Stringer("outcome", outcome.Kind))
		return
	}
	c.cancel = nil

	switch {
	case outcome.Kind == recognition.KindSuccess && validResult(outcome.Result):
		r := *outcome.Result
		c.session.Result = &r
		c.session.State = StateResult
	case outcome.Kind == recognition.KindNotRecognized:
		c.session.LastError = &ErrorInfo{Kind: ErrorKindNotRecognized, Message: recognition.NotRecognizedMessage}
		c.session.State = StateError
	default:
		cause := outcome.Err
		if cause == nil {
			cause = fmt.Errorf("unusable recognition outcome %s", outcome.Kind)
		}
		opLogger.Error("recognition failed", zap.Error(cause))
		c.session.LastError = &ErrorInfo{Kind: ErrorKindTransportFailure, Message: MessageTransportFailure}
		c.session.State = StateError
	}
	snap := c.publish()
	c.mu.Unlock()

	opLogger.Info("submission finished", zap.Stringer("state", snap.State))
	c.notify(snap)
}

func validResult(r *recognition.Result) bool {
	return r != nil && r.Name != "" && r.Description != ""
}

// Capture takes a picture with the configured camera. A camera failure keeps
// the workflow in StateCapturing with a notice and is returned to the caller.
func (c *Controller) Capture(ctx context.Context) error {
	if c.camera == nil {
		return ErrNoCamera
	}
	if state := c.State(); state != StateCapturing {
		return fmt.Errorf("%w: capture while %s", ErrInvalidTransition, state)
	}

	handle, err := c.camera.Capture(ctx)
	if err != nil {
		c.logger.Warn("capture failed", zap.Error(err))
		c.setNotice(ErrorInfo{Kind: ErrorKindCaptureFailed, Message: MessageCaptureFailed})
		return err
	}
	return c.OnImageCaptured(handle)
}

// PickFromGallery selects an existing photo. Cancelling the picker leaves
// the session untouched and returns nil.
func (c *Controller) PickFromGallery(ctx context.Context) error {
	if c.gallery == nil {
		return ErrNoGallery
	}
	if state := c.State(); state != StateCapturing {
		return fmt.Errorf("%w: gallery pick while %s", ErrInvalidTransition, state)
	}

	handle, err := c.gallery.Pick(ctx)
	switch {
	case errors.Is(err, imagesource.ErrPickCancelled):
		c.logger.Debug("gallery pick cancelled")
		return nil
	case err != nil:
		c.logger.Warn("gallery pick failed", zap.Error(err))
		c.setNotice(ErrorInfo{Kind: ErrorKindPickFailed, Message: MessagePickFailed})
		return err
	}
	return c.OnImageCaptured(handle)
}

func (c *Controller) setNotice(notice ErrorInfo) {
	c.mu.Lock()
	if c.session.State != StateCapturing {
		c.mu.Unlock()
		return
	}
	c.session.Notice = &notice
	snap := c.publish()
	c.mu.Unlock()
	c.notify(snap)
}

// Wait blocks until no submission is in flight.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close cancels any in-flight submission and waits for it to return.
func (c *Controller) Close() {
	c.baseCancel()
	c.inflight.Wait()
}

// publish stamps the session with the next change number and returns a copy
// for the listener. c.mu must be held.
func (c *Controller) publish() Session {
	c.seq++
	snap := c.session.clone()
	snap.seq = c.seq
	return snap
}

// notify hands snap to the listener. Snapshots are delivered one at a time
// and never older than the last one delivered, so a change that lost the
// race to the listener is dropped instead of overwriting a newer screen. A
// listener calling back into the controller has its own change queued and
// delivered once it returns.
func (c *Controller) notify(snap Session) {
	if c.listener == nil {
		return
	}

	c.notifyMu.Lock()
	c.pending = append(c.pending, snap)
	if c.delivering {
		c.notifyMu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		if next.seq <= c.delivered {
			continue
		}
		c.delivered = next.seq
		c.notifyMu.Unlock()
		c.listener(next)
		c.notifyMu.Lock()
	}
	c.delivering = false
	c.notifyMu.Unlock()
}
