package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"idemgate/internal/adapters/http/middleware"
	"idemgate/internal/application/orchestrators"
	domain "idemgate/internal/domain/idempotency"
)

// maxBodyBytes bounds request bodies; the largest legal body is a few KB.
const maxBodyBytes = 64 << 10

// healthTimeout bounds the store ping behind /health.
const healthTimeout = 2 * time.Second

type acquireBody struct {
	Scope              string  `json:"scope"`
	IdempotencyKey     string  `json:"idempotency_key"`
	PayloadFingerprint *string `json:"payload_fingerprint"`
	TTLSeconds         *int    `json:"ttl_seconds"`
	MaxAttempts        *int    `json:"max_attempts"`
}

type acquireResponse struct {
	Decision      domain.Decision `json:"decision"`
	AttemptCount  int             `json:"attempt_count"`
	LockExpiresAt *time.Time      `json:"lock_expires_at"`
}

type completeBody struct {
	Scope            string  `json:"scope"`
	IdempotencyKey   string  `json:"idempotency_key"`
	FinalStatus      string  `json:"final_status"`
	ErrorMessage     *string `json:"error_message"`
	AttemptCount     *int    `json:"attempt_count"`
	BaseRetrySeconds *int    `json:"base_retry_seconds"`
}

type completeResponse struct {
	OK     bool          `json:"ok"`
	Status domain.Status `json:"status"`
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleAcquire handles POST /acquire.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body acquireBody
	if err := decodeBody(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	req := domain.AcquireRequest{
		Key:         domain.Key{Scope: body.Scope, IdempotencyKey: body.IdempotencyKey},
		TTL:         domain.DefaultTTL,
		MaxAttempts: domain.DefaultMaxAttempts,
	}
	if body.PayloadFingerprint != nil {
		req.PayloadFingerprint = *body.PayloadFingerprint
	}
	if body.TTLSeconds != nil {
		req.TTL = time.Duration(*body.TTLSeconds) * time.Second
	}
	if body.MaxAttempts != nil {
		req.MaxAttempts = *body.MaxAttempts
	}

	out, err := orchestrators.ExecuteAcquire(r.Context(), req, s.engine)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := acquireResponse{Decision: out.Decision, AttemptCount: out.AttemptCount}
	if !out.LockExpiresAt.IsZero() {
		t := out.LockExpiresAt
		resp.LockExpiresAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleComplete handles POST /complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := decodeBody(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := domain.ParseFinalStatus(body.FinalStatus)
	if err != nil {
		writeError(w, r, err)
		return
	}

	req := domain.CompleteRequest{
		Key:          domain.Key{Scope: body.Scope, IdempotencyKey: body.IdempotencyKey},
		FinalStatus:  status,
		AttemptCount: 1,
		BaseRetry:    domain.DefaultBaseRetry,
	}
	if body.ErrorMessage != nil {
		req.ErrorMessage = *body.ErrorMessage
	}
	if body.AttemptCount != nil {
		req.AttemptCount = *body.AttemptCount
	}
	if body.BaseRetrySeconds != nil {
		req.BaseRetry = time.Duration(*body.BaseRetrySeconds) * time.Second
	}

	rec, err := orchestrators.ExecuteComplete(r.Context(), req, s.engine)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{OK: true, Status: rec.Status})
}

// handleHealth handles GET /health. The store error text is reported so
// operators can tell a refused connection from an auth failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("health_check_failed", "request_id", middleware.RequestIDFromContext(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "error", Store: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "connected"})
}

// decodeBody decodes one JSON object from the request body. Unknown fields
// are ignored; trailing data is rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data after JSON object")
	}
	return nil
}

// writeError maps engine errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeDetail(w, http.StatusBadRequest, validationDetail(err))
	case errors.Is(err, domain.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "idempotency record not found")
	default:
		internalError(w, r, err)
	}
}

// validationDetail strips the operation prefix the orchestrators add so the
// client sees only the field problem.
func validationDetail(err error) string {
	msg := err.Error()
	marker := domain.ErrValidation.Error() + ": "
	if i := strings.Index(msg, marker); i >= 0 {
		return msg[i+len(marker):]
	}
	return msg
}

// internalError logs the real error and returns a generic message to the client.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal_error",
		"request_id", middleware.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", err.Error(),
	)
	writeDetail(w, http.StatusInternalServerError, "internal server error")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}
