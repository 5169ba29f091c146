// Package server exposes the download service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-batch-download/internal/models"
	"go-batch-download/internal/service"
	"go-batch-download/internal/transfer"

	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// CodeUnauthorized is returned for a missing or unknown API key.
const CodeUnauthorized = "UNAUTHORIZED"

type callerKey struct{}

// CallerID returns the authenticated caller of a request.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

// New builds the HTTP handler for svc. Callers are keyed by API key.
func New(svc *service.Service, callers map[string]models.CallerConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/download", NewSubmitHandler(svc))
	mux.HandleFunc("POST /v1/batch-download", NewSubmitBatchHandler(svc))
	mux.HandleFunc("GET /v1/download/{id}/status", NewJobStatusHandler(svc))
	mux.HandleFunc("POST /v1/download/{id}/pause", NewControlHandler(svc, svc.Pause))
	mux.HandleFunc("POST /v1/download/{id}/resume", NewControlHandler(svc, svc.Resume))
	mux.HandleFunc("POST /v1/download/{id}/cancel", NewControlHandler(svc, svc.Cancel))
	mux.HandleFunc("GET /v1/batches/{id}", NewBatchStatusHandler(svc))
	mux.HandleFunc("GET /v1/batches/{id}/events", NewBatchEventsHandler(svc))
	mux.HandleFunc("GET /v1/downloads", NewHistoryHandler(svc))
	mux.HandleFunc("GET /v1/usage", NewUsageHandler(svc))
	return WithLogging(WithCaller(svc, callers, mux))
}

// WithCaller authenticates the bearer API key and reports the caller's
// daily allowance in X-RateLimit-* headers.
func WithCaller(svc *service.Service, callers map[string]models.CallerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		caller, known := callers[strings.TrimSpace(key)]
		if !ok || !known {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code:    CodeUnauthorized,
				Message: "missing or unknown API key",
			}})
			return
		}

		usage := svc.Usage(caller.ID)
		if usage.Limits.DailyJobs > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(usage.Limits.DailyJobs))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(usage.Remaining()))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(usage.ResetAt.Unix(), 10))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller.ID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithLogging logs one line per request.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Index   *int   `json:"index,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func statusFor(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case transfer.CodeInvalidLocator, service.CodeInvalidRequest, service.CodeBatchLimitExceeded:
		return http.StatusBadRequest
	case transfer.CodeInvalidTransition:
		return http.StatusConflict
	case service.CodeConcurrencyLimitReached, service.CodeDailyQuotaExceeded:
		return http.StatusTooManyRequests
	case service.CodeQueueFull, service.CodeSearchUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: service.ErrorCode(err), Message: err.Error()}
	var locErr *service.InvalidLocatorError
	if errors.As(err, &locErr) {
		idx := locErr.Index
		detail.Index = &idx
	}
	status := statusFor(detail.Code)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		detail.Message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: service.CodeInvalidRequest, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// ownedJob loads a job and hides it from other callers.
func ownedJob(svc *service.Service, r *http.Request) (models.JobSnapshot, error) {
	snap, err := svc.JobStatus(r.PathValue("id"))
	if err != nil {
		return snap, err
	}
	if snap.CallerID != CallerID(r.Context()) {
		return models.JobSnapshot{}, service.ErrNotFound
	}
	return snap, nil
}

func ownedBatch(svc *service.Service, r *http.Request) (models.Batch, error) {
	batch, err := svc.Batch(r.PathValue("id"))
	if err != nil {
		return batch, err
	}
	if batch.CallerID != CallerID(r.Context()) {
		return models.Batch{}, service.ErrNotFound
	}
	return batch, nil
}
