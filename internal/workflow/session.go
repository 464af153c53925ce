package workflow

import (
	"github.com/example/storefront-id/internal/imagesource"
	"github.com/example/storefront-id/internal/recognition"
)

// Session is the single live unit of capture and submission state.
//
// Result is set only in StateResult and LastError only in StateError.
// Notice holds a transient capture or gallery failure shown over the
// capture screen; it is cleared by the next transition.
type Session struct {
	ID        string
	State     State
	ImageRef  imagesource.Handle
	Result    *recognition.Result
	LastError *ErrorInfo
	Notice    *ErrorInfo

	token uint64
	seq   uint64
}

// Token is the current submission token. It increases on every confirm and
// every retake.
func (s Session) Token() uint64 {
	return s.token
}

func (s Session) clone() Session {
	out := s
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	if s.Notice != nil {
		n := *s.Notice
		out.Notice = &n
	}
	return out
}
