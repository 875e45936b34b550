package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MorseWayne/stock_engine/internal/resp"
)

// Timeout bounds the request context; handlers observe the deadline through ctx
// and the stock engine turns an expired lock wait into a retryable result.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandleTimeout writes the unified timeout response when the request context expired
func HandleTimeout(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		resp.Error(w, resp.HTTPStatusFromCode(resp.CodeTimeout), resp.CodeTimeout, "request timeout",
			RequestIDFromContext(ctx), TraceIDFromContext(ctx))
		return true
	}
	return false
}
