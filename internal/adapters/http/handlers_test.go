package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"idemgate/internal/adapters/http/perf"
	store "idemgate/internal/adapters/storage/idempotency"
	"idemgate/internal/application/orchestrators"
	domain "idemgate/internal/domain/idempotency"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// brokenStore fails every call that reaches the backend.
type brokenStore struct {
	store.Store
	err error
}

func (b brokenStore) Mutate(context.Context, domain.Key, store.MutateFunc) error { return b.err }

func (b brokenStore) Ping(context.Context) error { return b.err }

type fakeRunner struct {
	report orchestrators.RecoveryReport
	err    error
	calls  int
}

func (f *fakeRunner) RunNow(context.Context) (orchestrators.RecoveryReport, error) {
	f.calls++
	return f.report, f.err
}

type testServer struct {
	handler http.Handler
	clock   *fakeClock
	store   store.Store
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	clock := &fakeClock{now: testNow}
	st := store.NewMemoryStore()
	cfg := Config{
		Store:     st,
		Engine:    orchestrators.EngineDeps{Now: clock.Now},
		Collector: perf.NewCollector(64),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testServer{handler: NewServer(cfg).Handler(), clock: clock, store: cfg.Store}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestAcquireAppliesDefaults(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"k1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeMap(t, rr)
	if got["decision"] != "PROCEED" {
		t.Errorf("decision = %v", got["decision"])
	}
	if got["attempt_count"] != float64(1) {
		t.Errorf("attempt_count = %v", got["attempt_count"])
	}
	want := testNow.Add(domain.DefaultTTL).Format(time.RFC3339Nano)
	if got["lock_expires_at"] != want {
		t.Errorf("lock_expires_at = %v, want %s", got["lock_expires_at"], want)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestAcquireNullLockWhenNotProcessing(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"k1"}`)
	ts.do(t, "POST", "/complete", `{"scope":"orders","idempotency_key":"k1","final_status":"DONE"}`)

	rr := ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"k1"}`)
	got := decodeMap(t, rr)
	if got["decision"] != "ALREADY_DONE" {
		t.Errorf("decision = %v", got["decision"])
	}
	if v, ok := got["lock_expires_at"]; !ok || v != nil {
		t.Errorf("lock_expires_at = %v (present %v), want null", v, ok)
	}
}

// TestOrdersScenario walks the canonical acquire, fail, retry, done flow.
func TestOrdersScenario(t *testing.T) {
	ts := newTestServer(t, nil)
	acquire := `{"scope":"orders","idempotency_key":"k1","payload_fingerprint":"fp1","ttl_seconds":60,"max_attempts":3}`

	steps := []struct {
		name     string
		advance  time.Duration
		path     string
		body     string
		wantKey  string
		wantVal  any
		wantCode int
	}{
		{"first acquire", 0, "/acquire", acquire, "decision", "PROCEED", 200},
		{"concurrent duplicate", 0, "/acquire", acquire, "decision", "DUPLICATE_IN_PROGRESS", 200},
		{"report failure", 10 * time.Second, "/complete",
			`{"scope":"orders","idempotency_key":"k1","final_status":"failed","error_message":"timeout","attempt_count":1,"base_retry_seconds":60}`,
			"status", "FAILED", 200},
		{"retry too early", 60 * time.Second, "/acquire", acquire, "decision", "RETRY_NOT_DUE", 200},
		{"retry when due", 60 * time.Second, "/acquire", acquire, "decision", "PROCEED", 200},
		{"report done", time.Second, "/complete",
			`{"scope":"orders","idempotency_key":"k1","final_status":"DONE"}`, "status", "DONE", 200},
		{"replay after done", time.Hour, "/acquire", acquire, "decision", "ALREADY_DONE", 200},
		{"drifted payload", 0, "/acquire",
			`{"scope":"orders","idempotency_key":"k1","payload_fingerprint":"fp2"}`, "decision", "CONFLICT", 200},
	}
	for _, step := range steps {
		ts.clock.Advance(step.advance)
		rr := ts.do(t, "POST", step.path, step.body)
		if rr.Code != step.wantCode {
			t.Fatalf("%s: status = %d, body %s", step.name, rr.Code, rr.Body.String())
		}
		if got := decodeMap(t, rr)[step.wantKey]; got != step.wantVal {
			t.Fatalf("%s: %s = %v, want %v", step.name, step.wantKey, got, step.wantVal)
		}
	}

	rec, err := ts.store.Get(context.Background(), domain.Key{Scope: "orders", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AttemptCount != 2 || rec.Status != domain.StatusDone {
		t.Errorf("record = %+v", rec)
	}
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"malformed json", "/acquire", `{"scope":`, 400, "invalid request body"},
		{"trailing data", "/acquire", `{"scope":"s","idempotency_key":"k"} {}`, 400, "trailing data"},
		{"missing scope", "/acquire", `{"idempotency_key":"k"}`, 400, "scope is required"},
		{"zero ttl", "/acquire", `{"scope":"s","idempotency_key":"k","ttl_seconds":0}`, 400, "ttl_seconds"},
		{"too many attempts", "/acquire", `{"scope":"s","idempotency_key":"k","max_attempts":1001}`, 400, "max_attempts"},
		{"bad final status", "/complete", `{"scope":"s","idempotency_key":"k","final_status":"PROCESSING"}`, 400, "final_status"},
		{"negative base retry", "/complete", `{"scope":"s","idempotency_key":"k","final_status":"FAILED","base_retry_seconds":-1}`, 400, "base_retry_seconds"},
		{"unknown key", "/complete", `{"scope":"s","idempotency_key":"nope","final_status":"DONE"}`, 404, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			rr := ts.do(t, "POST", tt.path, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			detail, _ := decodeMap(t, rr)["detail"].(string)
			if !strings.Contains(detail, tt.wantDetail) {
				t.Errorf("detail = %q, want it to contain %q", detail, tt.wantDetail)
			}
			if strings.Contains(detail, domain.ErrValidation.Error()) {
				t.Errorf("detail leaks the sentinel prefix: %q", detail)
			}
		})
	}
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"k1","ttl_seconds":60,"workflow_id":"wf-9","execution":{"id":42}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("acquire status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := decodeMap(t, rr)["decision"]; got != string(domain.DecisionProceed) {
		t.Fatalf("decision = %v, want PROCEED", got)
	}

	rr = ts.do(t, "POST", "/complete", `{"scope":"orders","idempotency_key":"k1","final_status":"done","node":"HTTP Request"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := decodeMap(t, rr)["status"]; got != string(domain.StatusDone) {
		t.Errorf("status = %v, want DONE", got)
	}
}

func TestStoreFailureIsGeneric500(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.Store = brokenStore{err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	})

	rr := ts.do(t, "POST", "/acquire", `{"scope":"s","idempotency_key":"k"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "10.0.0.5") {
		t.Errorf("store detail leaked: %s", rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, "GET", "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeMap(t, rr); got["status"] != "ok" || got["store"] != "connected" {
		t.Errorf("body = %v", got)
	}

	down := newTestServer(t, func(c *Config) { c.Store = brokenStore{err: errors.New("connection refused")} })
	rr = down.do(t, "GET", "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeMap(t, rr); got["status"] != "error" || got["store"] != "connection refused" {
		t.Errorf("body = %v", got)
	}
}

func TestDocsPage(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, "GET", "/docs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{"<h1", "POST /acquire", "<table>"} {
		if !strings.Contains(body, want) {
			t.Errorf("docs missing %q", want)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(t, "GET", "/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/acquire", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /acquire = %d", rr.Code)
	}
}

func TestRateLimitApplies(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RateLimitRPS = 1 })
	if rr := ts.do(t, "GET", "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("first = %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/health", ""); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", rr.Code)
	}
}

func adminServer(t *testing.T, runner RecoveryRunner) *testServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return newTestServer(t, func(c *Config) {
		c.AdminTokenHash = hash
		c.Recovery = runner
	})
}

var adminAuth = []string{"Authorization", "Bearer admin-token"}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := adminServer(t, nil)
	if rr := ts.do(t, "GET", "/admin/records", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/admin/records", "", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rr.Code)
	}

	unmounted := newTestServer(t, nil)
	if rr := unmounted.do(t, "GET", "/admin/records", "", adminAuth...); rr.Code != http.StatusNotFound {
		t.Errorf("admin without hash = %d, want 404", rr.Code)
	}
}

func TestAdminListRecords(t *testing.T) {
	ts := adminServer(t, nil)
	for _, k := range []string{"a", "b", "c"} {
		ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"`+k+`"}`)
		ts.clock.Advance(time.Second)
	}
	ts.do(t, "POST", "/complete", `{"scope":"orders","idempotency_key":"b","final_status":"FAILED","error_message":"boom"}`)

	rr := ts.do(t, "GET", "/admin/records?status=processing&limit=5", "", adminAuth...)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var views []recordView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].IdempotencyKey != "a" || views[1].IdempotencyKey != "c" {
		t.Errorf("views = %+v", views)
	}

	rr = ts.do(t, "GET", "/admin/records", "", adminAuth...)
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].IdempotencyKey != "b" || views[0].LastError != "boom" || views[0].NextRetryAt == nil {
		t.Errorf("failed views = %+v", views)
	}

	for _, q := range []string{"?status=BOGUS", "?limit=0", "?limit=x", "?limit=501"} {
		if rr := ts.do(t, "GET", "/admin/records"+q, "", adminAuth...); rr.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, rr.Code)
		}
	}
}

func TestAdminGetRecord(t *testing.T) {
	ts := adminServer(t, nil)
	ts.do(t, "POST", "/acquire", `{"scope":"orders","idempotency_key":"inv/2026/7"}`)

	rr := ts.do(t, "GET", "/admin/records/orders/inv%2F2026%2F7", "", adminAuth...)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeMap(t, rr)
	if got["idempotency_key"] != "inv/2026/7" || got["status"] != "PROCESSING" {
		t.Errorf("record = %v", got)
	}
	if got["next_retry_at"] != nil || got["lock_expires_at"] == nil {
		t.Errorf("nullable columns = %v / %v", got["next_retry_at"], got["lock_expires_at"])
	}

	if rr := ts.do(t, "GET", "/admin/records/orders/missing", "", adminAuth...); rr.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rr.Code)
	}
}

func TestAdminRunRecovery(t *testing.T) {
	runner := &fakeRunner{report: orchestrators.RecoveryReport{Found: 3, Delivered: 2, Failed: 1}}
	ts := adminServer(t, runner)

	rr := ts.do(t, "POST", "/admin/recovery/run", "", adminAuth...)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var report orchestrators.RecoveryReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report != runner.report || runner.calls != 1 {
		t.Errorf("report = %+v, calls = %d", report, runner.calls)
	}

	runner.err = errors.New("store down")
	if rr := ts.do(t, "POST", "/admin/recovery/run", "", adminAuth...); rr.Code != http.StatusInternalServerError {
		t.Errorf("failing run = %d", rr.Code)
	}

	idle := adminServer(t, nil)
	if rr := idle.do(t, "POST", "/admin/recovery/run", "", adminAuth...); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("no runner = %d", rr.Code)
	}
}

func TestAdminPerf(t *testing.T) {
	ts := adminServer(t, nil)
	ts.do(t, "POST", "/acquire", `{"scope":"s","idempotency_key":"k"}`)

	rr := ts.do(t, "GET", "/admin/perf?minutes=5", "", adminAuth...)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap perf.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, p := range snap.SlowestPaths {
		if p.Path == "POST /acquire" {
			found = true
		}
	}
	if !found {
		t.Errorf("POST /acquire missing from %+v", snap.SlowestPaths)
	}
	if rr := ts.do(t, "GET", "/admin/perf?minutes=-1", "", adminAuth...); rr.Code != http.StatusBadRequest {
		t.Errorf("bad minutes = %d", rr.Code)
	}
}
