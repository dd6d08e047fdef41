package api

import (
	"errors"
	"net/http"
)

// Problem is an error that knows its HTTP status and wire code. Handlers
// return or build one and WriteProblem renders it inside the error envelope.
type Problem struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (p *Problem) Error() string { return p.Code + ": " + p.Message }

// With returns a copy of p carrying one more detail entry.
func (p *Problem) With(key string, value any) *Problem {
	cp := *p
	cp.Details = make(map[string]any, len(p.Details)+1)
	for k, v := range p.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func NewProblem(status int, code, message string) *Problem {
	return &Problem{Status: status, Code: code, Message: message}
}

func Invalid(code, message string) *Problem {
	return NewProblem(http.StatusBadRequest, code, message)
}

func Missing(message string) *Problem {
	return NewProblem(http.StatusNotFound, "NOT_FOUND", message)
}

func Busy(code, message string) *Problem {
	return NewProblem(http.StatusConflict, code, message)
}

func Unavailable(code, message string) *Problem {
	return NewProblem(http.StatusServiceUnavailable, code, message)
}

var (
	ErrInternal    = NewProblem(http.StatusInternalServerError, "INTERNAL", "Internal server error")
	ErrRateLimited = NewProblem(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
	ErrInvalidJSON = Invalid("INVALID_JSON", "invalid JSON")
)

// envelope is the body of every non-2xx response.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteProblem renders err. Anything that does not wrap a *Problem is
// reported as ErrInternal so internals never leak to clients.
func WriteProblem(w http.ResponseWriter, requestID string, err error) {
	var p *Problem
	if !errors.As(err, &p) {
		p = ErrInternal
	}
	WriteJSON(w, p.Status, envelope{Error: body{
		Code:      p.Code,
		Message:   p.Message,
		Details:   p.Details,
		RequestID: requestID,
	}})
}
