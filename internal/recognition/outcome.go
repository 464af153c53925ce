package recognition

import "fmt"

// NotRecognizedMessage is the error payload the backend returns when it could
// not identify the restaurant.
const NotRecognizedMessage = "Restaurant was not recognized. Please try again."

// Result is a successful identification.
type Result struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Kind classifies a submission outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindNotRecognized
	KindTransportFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotRecognized:
		return "not_recognized"
	case KindTransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one submission. Result is set only for
// KindSuccess; Err carries the underlying cause of a transport failure.
type Outcome struct {
	Kind    Kind
	Result  *Result
	Message string
	Err     error
}

func success(r *Result) Outcome {
	return Outcome{Kind: KindSuccess, Result: r}
}

func notRecognized(message string) Outcome {
	return Outcome{Kind: KindNotRecognized, Message: message}
}

func transportFailure(err error) Outcome {
	return Outcome{Kind: KindTransportFailure, Message: err.Error(), Err: err}
}
