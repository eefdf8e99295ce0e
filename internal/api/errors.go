package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/middleware"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

var kindStatus = map[domain.Kind]int{
	domain.KindValidation:        http.StatusBadRequest,
	domain.KindLocked:            http.StatusLocked,
	domain.KindDuplicateGrant:    http.StatusConflict,
	domain.KindInvalidTransition: http.StatusConflict,
	domain.KindConflict:          http.StatusConflict,
	domain.KindRateLimited:       http.StatusTooManyRequests,
	domain.KindKeyService:        http.StatusServiceUnavailable,
	domain.KindBlobStore:         http.StatusBadGateway,
	domain.KindCrypto:            http.StatusInternalServerError,
	// A caller must not learn whether an item it cannot read exists.
	domain.KindNotFound:     http.StatusNotFound,
	domain.KindAccessDenied: http.StatusNotFound,
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if code, ok := kindStatus[domain.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// publicMessage returns the text shown to the client. Server-side failures
// are described generically; their details go to the log.
func publicMessage(err error, status int) string {
	switch {
	case status == http.StatusNotFound:
		return "item not found"
	case status == http.StatusRequestEntityTooLarge:
		return "request body too large"
	case status >= http.StatusInternalServerError:
		return http.StatusText(status)
	}
	var e *domain.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func errorCode(err error, status int) string {
	switch status {
	case http.StatusNotFound:
		return domain.KindNotFound.String()
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	}
	return domain.KindOf(err).String()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	retryable := domain.IsRetryable(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.RequestID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
		}).Error("Request failed")
	}
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{
		Error:     errorCode(err, status),
		Message:   publicMessage(err, status),
		RequestID: middleware.RequestID(r.Context()),
		Retryable: retryable,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
