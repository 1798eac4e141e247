package transport

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server error responses. The server continues to
// accept new requests after a panic is recovered.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rv := recover()
				if rv == nil {
					return
				}
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				logger.Error("panic in handler",
					"request_id", w.Header().Get(RequestIDHeader),
					"path", r.URL.Path,
					"panic", rv,
					"stack", string(debug.Stack()),
				)
				WriteAPIError(w, api.NewServerError("internal server error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
