package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	apperrors "walink/internal/errors"
	"walink/internal/tracing"

	"github.com/sirupsen/logrus"
)

// Recover turns a handler panic into a logged 500 with a JSON body
func Recover(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				requestID := tracing.GetRequestID(r.Context())
				logger.WithFields(logrus.Fields{
					"request_id": requestID,
					"panic":      fmt.Sprint(rec),
					"stack":      string(debug.Stack()),
				}).Error("Recovered from handler panic")

				err := apperrors.New(apperrors.ErrCodeInternalError, "handler panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err, requestID))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
