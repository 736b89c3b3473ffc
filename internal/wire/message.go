package wire

import (
	"encoding/json"
	"fmt"
)

// RequestPredict is the only request kind understood by the server.
const RequestPredict = "predict"

// Errno is the top-level status code of a response. Values are bit flags fixed
// for wire compatibility.
type Errno uint

const (
	// ErrnoOK marks a successful response.
	ErrnoOK Errno = 0
	// ErrnoUnknown is the catch-all failure.
	ErrnoUnknown Errno = 1
	// ErrnoInvalidRequest reports a missing or unsupported request kind.
	ErrnoInvalidRequest Errno = 2
	// ErrnoInvalidBody reports a predict request without a valid logins list.
	ErrnoInvalidBody Errno = 4
	// ErrnoDatabase reports that the stats store could not be reached.
	ErrnoDatabase Errno = 8
)

// Message returns the human-readable error string sent alongside e.
func (e Errno) Message() string {
	switch e {
	case ErrnoOK:
		return ""
	case ErrnoInvalidRequest:
		return "Invalid request"
	case ErrnoInvalidBody:
		return "Invalid body."
	case ErrnoDatabase:
		return "Database error."
	default:
		return "Unknown error."
	}
}

func (e Errno) String() string {
	switch e {
	case ErrnoOK:
		return "ok"
	case ErrnoUnknown:
		return "unknown"
	case ErrnoInvalidRequest:
		return "invalid_request"
	case ErrnoInvalidBody:
		return "invalid_body"
	case ErrnoDatabase:
		return "database"
	default:
		return fmt.Sprintf("errno(%d)", uint(e))
	}
}

// Request is the body of a client request frame.
type Request struct {
	Request string   `json:"request"`
	Logins  []string `json:"logins"`
}

// PredictionResult is the outcome for one login of a batch.
type PredictionResult struct {
	Login       string
	Success     bool
	Experienced float64
	Beginner    float64
	Error       string
}

type predictionSuccess struct {
	Login       string  `json:"login"`
	Success     bool    `json:"success"`
	Experienced float64 `json:"experienced"`
	Beginner    float64 `json:"beginner"`
}

type predictionFailure struct {
	Login   string `json:"login"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type predictionWire struct {
	Login       string   `json:"login"`
	Success     bool     `json:"success"`
	Experienced *float64 `json:"experienced,omitempty"`
	Beginner    *float64 `json:"beginner,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// MarshalJSON emits the probabilities on success and the error otherwise.
func (p PredictionResult) MarshalJSON() ([]byte, error) {
	if p.Success {
		return json.Marshal(predictionSuccess{
			Login:       p.Login,
			Success:     true,
			Experienced: p.Experienced,
			Beginner:    p.Beginner,
		})
	}
	return json.Marshal(predictionFailure{Login: p.Login, Error: p.Error})
}

// UnmarshalJSON accepts either prediction shape.
func (p *PredictionResult) UnmarshalJSON(data []byte) error {
	var w predictionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = PredictionResult{Login: w.Login, Success: w.Success, Error: w.Error}
	if w.Experienced != nil {
		p.Experienced = *w.Experienced
	}
	if w.Beginner != nil {
		p.Beginner = *w.Beginner
	}
	return nil
}

// Response is the body of a server response frame.
type Response struct {
	Errno       Errno
	Error       string
	Predictions []PredictionResult
}

type responseSuccess struct {
	Errno       Errno              `json:"errno"`
	Predictions []PredictionResult `json:"predictions"`
}

type responseFailure struct {
	Errno Errno  `json:"errno"`
	Error string `json:"error"`
}

type responseWire struct {
	Errno       Errno              `json:"errno"`
	Error       string             `json:"error,omitempty"`
	Predictions []PredictionResult `json:"predictions,omitempty"`
}

// MarshalJSON always emits predictions (possibly empty) for errno 0 and only
// the error string otherwise.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Errno == ErrnoOK {
		predictions := r.Predictions
		if predictions == nil {
			predictions = []PredictionResult{}
		}
		return json.Marshal(responseSuccess{Errno: ErrnoOK, Predictions: predictions})
	}
	return json.Marshal(responseFailure{Errno: r.Errno, Error: r.Error})
}

// UnmarshalJSON decodes either response shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Response{Errno: w.Errno, Error: w.Error, Predictions: w.Predictions}
	if r.Errno == ErrnoOK && r.Predictions == nil {
		r.Predictions = []PredictionResult{}
	}
	return nil
}

// Success builds an errno 0 response carrying predictions.
func Success(predictions []PredictionResult) Response {
	if predictions == nil {
		predictions = []PredictionResult{}
	}
	return Response{Errno: ErrnoOK, Predictions: predictions}
}

// Failure builds an error response for kind. When legacy is set the numeric
// code is always ErrnoInvalidRequest while the string still names kind, which
// is what older servers put on the wire.
func Failure(kind Errno, legacy bool) Response {
	code := kind
	if legacy {
		code = ErrnoInvalidRequest
	}
	return Response{Errno: code, Error: kind.Message()}
}

// NotFound builds the per-login failure record for an unknown login.
func NotFound(login string) PredictionResult {
	return PredictionResult{Login: login, Error: login + " not found."}
}
