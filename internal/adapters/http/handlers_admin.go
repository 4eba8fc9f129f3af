package web

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "idemgate/internal/domain/idempotency"
)

const (
	defaultAdminLimit = 50
	maxAdminLimit     = 500
	perfTopN          = 10
)

// recordView is the admin JSON rendering of a record; NULL columns are null.
type recordView struct {
	Scope              string        `json:"scope"`
	IdempotencyKey     string        `json:"idempotency_key"`
	PayloadFingerprint string        `json:"payload_fingerprint"`
	Status             domain.Status `json:"status"`
	AttemptCount       int           `json:"attempt_count"`
	LockExpiresAt      *time.Time    `json:"lock_expires_at"`
	NextRetryAt        *time.Time    `json:"next_retry_at"`
	LastError          string        `json:"last_error,omitempty"`
	LastErrorAt        *time.Time    `json:"last_error_at"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewOf(r domain.Record) recordView {
	return recordView{
		Scope:              r.Scope,
		IdempotencyKey:     r.IdempotencyKey,
		PayloadFingerprint: r.PayloadFingerprint,
		Status:             r.Status,
		AttemptCount:       r.AttemptCount,
		LockExpiresAt:      nullable(r.LockExpiresAt),
		NextRetryAt:        nullable(r.NextRetryAt),
		LastError:          r.LastError,
		LastErrorAt:        nullable(r.LastErrorAt),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// handleAdminListRecords handles GET /admin/records?status=FAILED&limit=50.
// Records come back oldest update first.
func (s *Server) handleAdminListRecords(w http.ResponseWriter, r *http.Request) {
	status := domain.StatusFailed
	if q := r.URL.Query().Get("status"); q != "" {
		status = domain.Status(strings.ToUpper(q))
		if !status.Valid() {
			writeDetail(w, http.StatusBadRequest, "status must be one of PROCESSING, DONE, FAILED, CONFLICT")
			return
		}
	}

	limit := defaultAdminLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxAdminLimit {
			writeDetail(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxAdminLimit))
			return
		}
		limit = n
	}

	records, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAdminGetRecord handles GET /admin/records/{scope}/{key}.
func (s *Server) handleAdminGetRecord(w http.ResponseWriter, r *http.Request) {
	scope, err1 := pathParam(r, "scope")
	key, err2 := pathParam(r, "key")
	if err1 != nil || err2 != nil {
		writeDetail(w, http.StatusBadRequest, "malformed path")
		return
	}

	k := domain.Key{Scope: scope, IdempotencyKey: key}
	if err := k.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.store.Get(r.Context(), k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// pathParam returns a decoded chi URL parameter. chi matches on RawPath when
// the request escaped a slash, leaving the parameter escaped.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

// handleAdminRunRecovery handles POST /admin/recovery/run.
func (s *Server) handleAdminRunRecovery(w http.ResponseWriter, r *http.Request) {
	if s.recovery == nil {
		writeDetail(w, http.StatusServiceUnavailable, "recovery scanner is not running")
		return
	}
	report, err := s.recovery.RunNow(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAdminPerf handles GET /admin/perf?minutes=60.
func (s *Server) handleAdminPerf(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeDetail(w, http.StatusServiceUnavailable, "performance collection is disabled")
		return
	}
	window := time.Hour
	if q := r.URL.Query().Get("minutes"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		window = time.Duration(n) * time.Minute
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot(time.Now().Add(-window), perfTopN))
}
