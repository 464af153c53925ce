package workflow

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/storefront-id/internal/imagesource"
	"github.com/example/storefront-id/internal/recognition"
)

// stubSubmitter blocks each submission until release is closed, unless it
// is nil, and then returns outcome.
type stubSubmitter struct {
	outcome recognition.Outcome
	release chan struct{}
	started chan imagesource.Handle
	calls   int32
}

func newStubSubmitter(outcome recognition.Outcome, blocking bool) *stubSubmitter {
	s := &stubSubmitter{outcome: outcome, started: make(chan imagesource.Handle, 8)}
	if blocking {
		s.release = make(chan struct{})
	}
	return s
}

func (s *stubSubmitter) Submit(ctx context.Context, handle imagesource.Handle) recognition.Outcome {
	atomic.AddInt32(&s.calls, 1)
	s.started <- handle
	if s.release != nil {
		<-s.release
	}
	return s.outcome
}

func (s *stubSubmitter) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

type stubCamera struct {
	handle imagesource.Handle
	err    error
}

func (s *stubCamera) Capture(ctx context.Context) (imagesource.Handle, error) {
	return s.handle, s.err
}

type stubGallery struct {
	handle imagesource.Handle
	err    error
}

func (s *stubGallery) Pick(ctx context.Context) (imagesource.Handle, error) {
	return s.handle, s.err
}

var successOutcome = recognition.Outcome{
	Kind:   recognition.KindSuccess,
	Result: &recognition.Result{Name: "Blue Door Cafe", Description: "Neighbourhood brunch spot"},
}

func waitStarted(t *testing.T, s *stubSubmitter) imagesource.Handle {
	t.Helper()
	select {
	case h := <-s.started:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not start")
		return ""
	}
}

func previewing(t *testing.T, c *Controller, handle imagesource.Handle) {
	t.Helper()
	if err := c.OnImageCaptured(handle); err != nil {
		t.Fatalf("OnImageCaptured failed: %v", err)
	}
}

func TestNewControllerStartsCapturing(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	snap := c.Snapshot()
	if snap.State != StateCapturing {
		t.Fatalf("expected capturing, got %s", snap.State)
	}
	if snap.ID == "" {
		t.Fatal("expected a session id")
	}
	if snap.ImageRef != "" || snap.Result != nil || snap.LastError != nil {
		t.Fatalf("expected empty session, got %+v", snap)
	}
}

func TestImageCapturedMovesToPreview(t *testing.T) {
	for _, h := range []imagesource.Handle{"/tmp/a.jpg", "content://media/42", "x"} {
		c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
		previewing(t, c, h)
		snap := c.Snapshot()
		if snap.State != StatePreviewing || snap.ImageRef != h {
			t.Fatalf("expected previewing %s, got %s %s", h, snap.State, snap.ImageRef)
		}
	}
}

func TestImageCapturedIgnoredOutsideCapturing(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	previewing(t, c, "first.jpg")

	err := c.OnImageCaptured("late.jpg")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if snap := c.Snapshot(); snap.ImageRef != "first.jpg" || snap.State != StatePreviewing {
		t.Fatalf("stray capture mutated session: %+v", snap)
	}
}

func TestImageCapturedRejectsEmptyHandle(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	if err := c.OnImageCaptured(""); !errors.Is(err, ErrEmptyHandle) {
		t.Fatalf("expected ErrEmptyHandle, got %v", err)
	}
	if c.State() != StateCapturing {
		t.Fatalf("expected capturing, got %s", c.State())
	}
}

func TestConfirmSuccessShowsResult(t *testing.T) {
	sub := newStubSubmitter(successOutcome, false)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")

	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	if got := waitStarted(t, sub); got != "storefront.jpg" {
		t.Fatalf("submitted wrong handle %s", got)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.State != StateResult {
		t.Fatalf("expected result, got %s", snap.State)
	}
	if snap.Result.Name != "Blue Door Cafe" || snap.Result.Description != "Neighbourhood brunch spot" {
		t.Fatalf("unexpected result %+v", snap.Result)
	}
	if snap.LastError != nil {
		t.Fatalf("expected no error, got %+v", snap.LastError)
	}
}

func TestConfirmTwiceSubmitsOnce(t *testing.T) {
	sub := newStubSubmitter(successOutcome, true)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")

	if err := c.OnConfirm(); err != nil {
		t.Fatalf("first confirm failed: %v", err)
	}
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("second confirm should be a no-op, got %v", err)
	}
	if c.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", c.State())
	}

	waitStarted(t, sub)
	close(sub.release)
	c.Wait()

	if sub.Calls() != 1 {
		t.Fatalf("expected exactly one submission, got %d", sub.Calls())
	}
	if c.State() != StateResult {
		t.Fatalf("expected result, got %s", c.State())
	}
}

func TestConcurrentConfirmSubmitsOnce(t *testing.T) {
	sub := newStubSubmitter(successOutcome, true)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.OnConfirm()
		}()
	}
	wg.Wait()
	close(sub.release)
	c.Wait()

	if sub.Calls() != 1 {
		t.Fatalf("expected exactly one submission, got %d", sub.Calls())
	}
}

func TestStaleCompletionAfterRetakeIsDiscarded(t *testing.T) {
	sub := newStubSubmitter(successOutcome, true)
	c := New(sub, zap.NewNop())
	previewing(t, c, "a.jpg")

	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	waitStarted(t, sub)
	before := c.Snapshot()

	if err := c.OnRetake(); err != nil {
		t.Fatalf("OnRetake failed: %v", err)
	}
	close(sub.release)
	c.Wait()

	snap := c.Snapshot()
	if snap.State != StateCapturing {
		t.Fatalf("expected capturing after stale completion, got %s", snap.State)
	}
	if snap.Result != nil || snap.ImageRef != "" {
		t.Fatalf("stale completion mutated session: %+v", snap)
	}
	if snap.Token() <= before.Token() {
		t.Fatalf("expected token to advance past %d, got %d", before.Token(), snap.Token())
	}
	if snap.ID == before.ID {
		t.Fatal("expected a fresh session id after retake")
	}
}

func TestStaleCompletionDoesNotLeakIntoNextSubmission(t *testing.T) {
	first := newStubSubmitter(successOutcome, true)
	c := New(first, zap.NewNop())
	previewing(t, c, "a.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	waitStarted(t, first)
	if err := c.OnRetake(); err != nil {
		t.Fatalf("OnRetake failed: %v", err)
	}

	// Second submission for a new image is still pending when the first resolves.
	previewing(t, c, "b.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("second OnConfirm failed: %v", err)
	}
	waitStarted(t, first)

	if c.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", c.State())
	}
	close(first.release)
	c.Wait()

	if sub := first.Calls(); sub != 2 {
		t.Fatalf("expected two submissions, got %d", sub)
	}
	snap := c.Snapshot()
	if snap.State != StateResult || snap.ImageRef != "b.jpg" {
		t.Fatalf("expected result for b.jpg, got %s %s", snap.State, snap.ImageRef)
	}
}

func TestNotRecognizedShowsError(t *testing.T) {
	sub := newStubSubmitter(recognition.Outcome{
		Kind:    recognition.KindNotRecognized,
		Message: recognition.NotRecognizedMessage,
	}, false)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.State != StateError || snap.LastError == nil {
		t.Fatalf("expected error state, got %+v", snap)
	}
	if snap.LastError.Kind != ErrorKindNotRecognized {
		t.Fatalf("expected not recognized, got %s", snap.LastError.Kind)
	}
	if snap.Result != nil {
		t.Fatal("result must be empty in error state")
	}
}

func TestTransportFailureShowsGenericError(t *testing.T) {
	sub := newStubSubmitter(recognition.Outcome{
		Kind: recognition.KindTransportFailure,
		Err:  errors.New("dial tcp: connection refused"),
	}, false)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.State != StateError || snap.LastError.Kind != ErrorKindTransportFailure {
		t.Fatalf("expected transport failure, got %+v", snap)
	}
	if snap.LastError.Message != MessageTransportFailure {
		t.Fatalf("expected generic message, got %q", snap.LastError.Message)
	}
}

func TestSuccessWithEmptyFieldsIsTransportFailure(t *testing.T) {
	sub := newStubSubmitter(recognition.Outcome{
		Kind:   recognition.KindSuccess,
		Result: &recognition.Result{Name: "Nameless"},
	}, false)
	c := New(sub, zap.NewNop())
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()

	if snap := c.Snapshot(); snap.State != StateError || snap.LastError.Kind != ErrorKindTransportFailure {
		t.Fatalf("expected transport failure, got %+v", snap)
	}
}

func TestConfirmRejectedOutsidePreview(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	if err := c.OnConfirm(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmRequiresImage(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	c.session.State = StatePreviewing
	if err := c.OnConfirm(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestRetakeClearsSessionFromEveryState(t *testing.T) {
	outcomes := map[State]recognition.Outcome{
		StateResult: successOutcome,
		StateError:  {Kind: recognition.KindNotRecognized},
	}

	reach := func(t *testing.T, target State) *Controller {
		t.Helper()
		outcome, ok := outcomes[target]
		if !ok {
			outcome = successOutcome
		}
		c := New(newStubSubmitter(outcome, false), zap.NewNop())
		previewing(t, c, "storefront.jpg")
		if target != StatePreviewing {
			if err := c.OnConfirm(); err != nil {
				t.Fatalf("OnConfirm failed: %v", err)
			}
			c.Wait()
		}
		if c.State() != target {
			t.Fatalf("setup reached %s, want %s", c.State(), target)
		}
		return c
	}

	for _, target := range []State{StatePreviewing, StateResult, StateError} {
		t.Run(target.String(), func(t *testing.T) {
			c := reach(t, target)
			if err := c.OnRetake(); err != nil {
				t.Fatalf("OnRetake failed: %v", err)
			}
			snap := c.Snapshot()
			if snap.State != StateCapturing {
				t.Fatalf("expected capturing, got %s", snap.State)
			}
			if snap.ImageRef != "" || snap.Result != nil || snap.LastError != nil || snap.Notice != nil {
				t.Fatalf("expected cleared session, got %+v", snap)
			}
		})
	}
}

func TestRetakeWhileCapturingIsNoop(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	before := c.Snapshot()
	if err := c.OnRetake(); err != nil {
		t.Fatalf("OnRetake failed: %v", err)
	}
	after := c.Snapshot()
	if after.ID != before.ID || after.Token() != before.Token() {
		t.Fatalf("expected untouched session, got %+v", after)
	}
}

func TestBackReturnsToCapture(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()
	if err := c.OnBack(); err != nil {
		t.Fatalf("OnBack failed: %v", err)
	}
	if c.State() != StateCapturing {
		t.Fatalf("expected capturing, got %s", c.State())
	}
}

func TestCaptureUsesCamera(t *testing.T) {
	cam := &stubCamera{handle: "cam.jpg"}
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithCamera(cam))
	if err := c.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if snap := c.Snapshot(); snap.State != StatePreviewing || snap.ImageRef != "cam.jpg" {
		t.Fatalf("unexpected session %+v", snap)
	}
}

func TestCaptureFailureKeepsCapturingWithNotice(t *testing.T) {
	cam := &stubCamera{err: imagesource.ErrCaptureFailed}
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithCamera(cam))

	err := c.Capture(context.Background())
	if !errors.Is(err, imagesource.ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateCapturing {
		t.Fatalf("expected capturing, got %s", snap.State)
	}
	if snap.Notice == nil || snap.Notice.Kind != ErrorKindCaptureFailed {
		t.Fatalf("expected capture notice, got %+v", snap.Notice)
	}
	if snap.LastError != nil {
		t.Fatal("capture failure must not populate LastError")
	}

	cam.err, cam.handle = nil, "retry.jpg"
	if err := c.Capture(context.Background()); err != nil {
		t.Fatalf("second Capture failed: %v", err)
	}
	if snap := c.Snapshot(); snap.Notice != nil {
		t.Fatalf("expected notice cleared, got %+v", snap.Notice)
	}
}

func TestGalleryCancelLeavesSessionUnchanged(t *testing.T) {
	gallery := &stubGallery{err: imagesource.ErrPickCancelled}
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithGallery(gallery))
	before := c.Snapshot()

	if err := c.PickFromGallery(context.Background()); err != nil {
		t.Fatalf("cancel should not be an error, got %v", err)
	}
	after := c.Snapshot()
	if after.State != before.State || after.ImageRef != before.ImageRef || after.Notice != nil {
		t.Fatalf("cancel mutated session: %+v", after)
	}
}

func TestGalleryPickAndFailure(t *testing.T) {
	gallery := &stubGallery{err: imagesource.ErrPickFailed}
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithGallery(gallery))

	if err := c.PickFromGallery(context.Background()); !errors.Is(err, imagesource.ErrPickFailed) {
		t.Fatalf("expected ErrPickFailed, got %v", err)
	}
	if snap := c.Snapshot(); snap.State != StateCapturing || snap.Notice == nil || snap.Notice.Kind != ErrorKindPickFailed {
		t.Fatalf("expected pick notice, got %+v", snap)
	}

	gallery.err, gallery.handle = nil, "gallery/a.jpg"
	if err := c.PickFromGallery(context.Background()); err != nil {
		t.Fatalf("PickFromGallery failed: %v", err)
	}
	if snap := c.Snapshot(); snap.State != StatePreviewing || snap.ImageRef != "gallery/a.jpg" {
		t.Fatalf("unexpected session %+v", snap)
	}
}

func TestProvidersRequired(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	if err := c.Capture(context.Background()); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("expected ErrNoCamera, got %v", err)
	}
	if err := c.PickFromGallery(context.Background()); !errors.Is(err, ErrNoGallery) {
		t.Fatalf("expected ErrNoGallery, got %v", err)
	}
}

func TestListenerSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var states []State
	listener := func(s Session) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	}

	c := New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithListener(listener))
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()
	if err := c.OnRetake(); err != nil {
		t.Fatalf("OnRetake failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePreviewing, StateSubmitting, StateResult, StateCapturing}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestListenerEndsOnLatestStateWhenCompletionRacesRetake(t *testing.T) {
	for i := 0; i < 2000; i++ {
		var mu sync.Mutex
		var last Session
		listener := func(s Session) {
			runtime.Gosched()
			mu.Lock()
			defer mu.Unlock()
			last = s
		}

		sub := newStubSubmitter(successOutcome, true)
		c := New(sub, zap.NewNop(), WithListener(listener))
		previewing(t, c, "storefront.jpg")
		if err := c.OnConfirm(); err != nil {
			t.Fatalf("OnConfirm failed: %v", err)
		}
		waitStarted(t, sub)
		close(sub.release)
		if err := c.OnRetake(); err != nil {
			t.Fatalf("OnRetake failed: %v", err)
		}
		c.Wait()

		want := c.Snapshot()
		mu.Lock()
		got := last
		mu.Unlock()
		if got.State != want.State || got.ID != want.ID {
			t.Fatalf("run %d: listener last saw %s (%s), controller is %s (%s)", i, got.State, got.ID, want.State, want.ID)
		}
	}
}

func TestListenerMayCallBackIntoController(t *testing.T) {
	var mu sync.Mutex
	var states []State
	var c *Controller
	listener := func(s Session) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
		if s.State == StateResult {
			if err := c.OnBack(); err != nil {
				t.Errorf("OnBack from listener failed: %v", err)
			}
		}
	}

	c = New(newStubSubmitter(successOutcome, false), zap.NewNop(), WithListener(listener))
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()

	if c.State() != StateCapturing {
		t.Fatalf("expected capturing, got %s", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePreviewing, StateSubmitting, StateResult, StateCapturing}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New(newStubSubmitter(successOutcome, false), zap.NewNop())
	previewing(t, c, "storefront.jpg")
	if err := c.OnConfirm(); err != nil {
		t.Fatalf("OnConfirm failed: %v", err)
	}
	c.Wait()

	snap := c.Snapshot()
	snap.Result.Name = "tampered"
	if c.Snapshot().Result.Name != "Blue Door Cafe" {
		t.Fatal("snapshot mutation leaked into controller")
	}
}
