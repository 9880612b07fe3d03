// Package errors renders errors as the service's JSON error envelope.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/router"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeNoRoute            = "NO_ROUTE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

// Envelope is the body of an error response.
type Envelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON document written for every error.
type HTTPErrorResponse struct {
	Error Envelope `json:"error"`
}

// NewEnvelope returns an envelope with the given code and message.
func NewEnvelope(code, message string) *Envelope {
	return &Envelope{Code: code, Message: message}
}

// WithRequestID sets the request id and returns the envelope.
func (e *Envelope) WithRequestID(id string) *Envelope {
	e.RequestID = id
	return e
}

// WithDetails merges details into the envelope and returns it.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// HTTPError carries an explicit status and code through handler code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// BadRequest wraps err as a 400 BAD_REQUEST.
func BadRequest(message string, err error) error {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

// NotFound returns a 404 NOT_FOUND error.
func NotFound(message string) error {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// MethodNotAllowed returns a 405 METHOD_NOT_ALLOWED error.
func MethodNotAllowed(message string) error {
	return &HTTPError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

// Unavailable returns a 503 SERVICE_UNAVAILABLE error.
func Unavailable(message string, err error) error {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Err: err}
}

// Classify maps err onto a status code and envelope.
func Classify(err error) (int, *Envelope) {
	var (
		httpErr    *HTTPError
		validation *router.ConfigValidationError
		noRoute    *router.NoRouteError
		invariant  *jobs.InvariantError
	)

	switch {
	case stderrors.As(err, &httpErr):
		env := NewEnvelope(httpErr.Code, httpErr.Message)
		if httpErr.Err != nil {
			env.WithDetails(map[string]any{"cause": httpErr.Err.Error()})
		}
		return httpErr.Status, env

	case stderrors.As(err, &validation):
		problems := make([]string, len(validation.Problems))
		for i, p := range validation.Problems {
			problems[i] = p.Error()
		}
		return http.StatusBadRequest, NewEnvelope(CodeValidation, "invalid routing configuration").
			WithDetails(map[string]any{"problems": problems})

	case stderrors.As(err, &noRoute):
		details := map[string]any{"table": noRoute.Table}
		if noRoute.ShardID != nil {
			details["shard_id"] = *noRoute.ShardID
		}
		return http.StatusUnprocessableEntity, NewEnvelope(CodeNoRoute, err.Error()).WithDetails(details)

	case stderrors.As(err, &invariant):
		return http.StatusConflict, NewEnvelope(CodeConflict, err.Error()).
			WithDetails(map[string]any{"job_id": string(invariant.ID)})

	case stderrors.Is(err, jobs.ErrNotFound),
		stderrors.Is(err, jobs.ErrUnknownJob),
		objectstore.IsNotFound(err):
		return http.StatusNotFound, NewEnvelope(CodeNotFound, err.Error())

	case stderrors.Is(err, router.ErrNotLoaded):
		return http.StatusServiceUnavailable, NewEnvelope(CodeServiceUnavailable, err.Error())
	}

	if failures := router.DeliveryErrors(err); len(failures) > 0 {
		list := make([]map[string]any, len(failures))
		for i, f := range failures {
			list[i] = map[string]any{
				"shard_id": f.ShardID,
				"target":   f.Target.String(),
				"error":    f.Err.Error(),
			}
		}
		return http.StatusBadGateway, NewEnvelope(CodeDeliveryFailed, fmt.Sprintf("%d deliveries failed", len(failures))).
			WithDetails(map[string]any{"failures": list})
	}

	return http.StatusInternalServerError, NewEnvelope(CodeInternal, err.Error())
}

// RespondWithError classifies err and writes the envelope, tagging it with
// the request id when one is present.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	if r != nil {
		env.WithRequestID(middleware.GetReqID(r.Context()))
	}
	Write(w, status, env)
}

// Write renders env with the given status.
func Write(w http.ResponseWriter, status int, env *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *env})
}
