package workflow

import "fmt"

// State is the screen the capture workflow is currently on.
type State int

const (
	// StateCapturing shows the live camera; it is the initial state.
	StateCapturing State = iota
	// StatePreviewing shows the captured image with retake and confirm.
	StatePreviewing
	// StateSubmitting waits for the recognition backend.
	StateSubmitting
	// StateResult shows the identified restaurant.
	StateResult
	// StateError shows why identification failed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StatePreviewing:
		return "previewing"
	case StateSubmitting:
		return "submitting"
	case StateResult:
		return "result"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorKind classifies failures surfaced to the user.
type ErrorKind int

const (
	ErrorKindCaptureFailed ErrorKind = iota + 1
	ErrorKindPickCancelled
	ErrorKindPickFailed
	ErrorKindNotRecognized
	ErrorKindTransportFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindCaptureFailed:
		return "capture_failed"
	case ErrorKindPickCancelled:
		return "pick_cancelled"
	case ErrorKindPickFailed:
		return "pick_failed"
	case ErrorKindNotRecognized:
		return "not_recognized"
	case ErrorKindTransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// ErrorInfo is a user-facing failure.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

// User-facing messages.
const (
	MessageTransportFailure = "Something went wrong while identifying the restaurant. Please try again."
	MessageCaptureFailed    = "Could not take a picture. Please try again."
	MessagePickFailed       = "Could not open that photo. Please choose another one."
)
