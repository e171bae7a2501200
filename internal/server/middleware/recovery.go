// Package middleware holds the HTTP middleware chain: panic recovery
// with a JSON error envelope and structured request logging.
package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/freqops/freqops/internal/errors"
)

// Recovery converts a handler panic into a JSON 500 response carrying the
// request id. The panic never reaches the connection handler.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				envelope := apperrors.NewErrorEnvelope(
					apperrors.CodeInternal,
					fmt.Sprintf("panic: %v", rec),
				)
				apperrors.WriteEnvelope(w, r, http.StatusInternalServerError, envelope)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
