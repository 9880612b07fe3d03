// Package middleware holds HTTP middleware shared by the server.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/tsroute/internal/errors"
	"github.com/3leaps/tsroute/internal/observability"
)

// ErrorResponse is the body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := chimw.GetReqID(r.Context())
			observability.CLILogger.Error("panic serving request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", reqID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			env := apperrors.NewEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).WithRequestID(reqID)
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used when composing stacks.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *apperrors.Envelope, status int) {
	apperrors.Write(w, status, env)
}
