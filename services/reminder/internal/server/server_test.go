package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"meditext/internal/servicetoken"
	"meditext/internal/usertoken"
	"meditext/pkg/domain"
	"meditext/pkg/sms"
	"meditext/pkg/store"
	"meditext/services/reminder/internal/app"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) Send(_ context.Context, text string, _ []string) (sms.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return sms.Result{Success: true}, nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type harness struct {
	srv      *httptest.Server
	sender   *recordingSender
	signer   *servicetoken.Signer
	sessions *usertoken.Issuer
}

var morning = time.Date(2024, 1, 15, 8, 0, 10, 0, time.UTC)

func newHarness(t *testing.T, otpLimit int) *harness {
	t.Helper()
	redis := miniredis.RunT(t)
	codes, err := store.NewRedisCodeStore(redis.Addr(), "")
	if err != nil {
		t.Fatalf("code store: %v", err)
	}
	sender := &recordingSender{}
	core, err := app.New(app.Config{
		Store:  store.NewMemoryStore(),
		Codes:  codes,
		Sender: sender,
		Now:    func() time.Time { return morning },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := servicetoken.NewSignerFromKey(key, servicetoken.SignerOptions{Issuer: servicetoken.IssuerScheduler})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := servicetoken.NewVerifierFromKey(&key.PublicKey, servicetoken.VerifierOptions{
		Audience:       servicetoken.AudienceReminder,
		AllowedIssuers: []string{servicetoken.IssuerScheduler},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	sessionKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	sessions, err := usertoken.NewIssuerFromKey(sessionKey, usertoken.Options{})
	if err != nil {
		t.Fatalf("new session issuer: %v", err)
	}
	s, err := New(Config{
		App:                   core,
		TokenVerifier:         verifier,
		SessionTokens:         sessions,
		RedisAddr:             redis.Addr(),
		OTPRateLimitPerMinute: otpLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return &harness{srv: srv, sender: sender, signer: signer, sessions: sessions}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.send(t, req)
}

// login runs the code flow for phone and returns the session token.
func (h *harness) login(t *testing.T, phone string) string {
	t.Helper()
	if resp, body := h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": phone}); resp.StatusCode != http.StatusOK {
		t.Fatalf("issue for %s: %d %v", phone, resp.StatusCode, body)
	}
	m := codeRE.FindStringSubmatch(h.sender.last())
	if m == nil {
		t.Fatalf("no code in %q", h.sender.last())
	}
	resp, body := h.do(t, http.MethodPost, "/api/auth/otp/verify", "", map[string]string{"phone": phone, "code": m[1]})
	token, _ := body["token"].(string)
	if resp.StatusCode != http.StatusOK || token == "" {
		t.Fatalf("verify for %s: %d %v", phone, resp.StatusCode, body)
	}
	return token
}

// register creates a patient for a verified phone and returns the patient
// id and its session token.
func (h *harness) register(t *testing.T, phone, name string) (string, string) {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/patients", h.login(t, phone), map[string]string{"name": name})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %v", phone, resp.StatusCode, body)
	}
	patient, _ := body["patient"].(map[string]any)
	id, _ := patient["id"].(string)
	token, _ := body["token"].(string)
	if id == "" || token == "" {
		t.Fatalf("register %s: missing id or token in %v", phone, body)
	}
	return id, token
}

func (h *harness) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) tick(t *testing.T, token string, at time.Time) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{"at": at})
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/internal/scheduler/tick", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.send(t, req)
}

func TestHealthzCarriesMiddlewareHeaders(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("expected security headers, got %v", resp.Header)
	}
}

var codeRE = regexp.MustCompile(`code is: (\d{6})\.`)

func TestVerificationFlow(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "0551234567"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("issue failed: %d %v", resp.StatusCode, body)
	}
	m := codeRE.FindStringSubmatch(h.sender.last())
	if m == nil {
		t.Fatalf("no code in %q", h.sender.last())
	}
	code := m[1]

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	resp, body = h.do(t, http.MethodPost, "/api/auth/otp/verify", "", map[string]string{"phone": "0551234567", "code": wrong})
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false || body["error"] != app.ErrInvalidOrExpired.Error() {
		t.Fatalf("wrong code: %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/api/auth/otp/verify", "", map[string]string{"phone": "+233551234567", "code": code})
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["patientKnown"] != false {
		t.Fatalf("verify failed: %d %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	claims, err := h.sessions.Verify(token)
	if err != nil || claims.Phone != "233551234567" || claims.PatientID() != "" {
		t.Fatalf("expected unregistered session for the phone, got %+v err %v", claims, err)
	}
	resp, _ = h.do(t, http.MethodPost, "/api/auth/otp/verify", "", map[string]string{"phone": "0551234567", "code": code})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed code should fail, got %d", resp.StatusCode)
	}
}

func TestIssueCodeRateLimitedPerPhone(t *testing.T) {
	h := newHarness(t, 1)
	resp, _ := h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "0551234567"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "+233 55 123 4567"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	resp, _ = h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "0209999999"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other phone expected 200, got %d", resp.StatusCode)
	}
}

func TestIssueCodeRejectsBadInput(t *testing.T) {
	h := newHarness(t, 0)
	resp, _ := h.do(t, http.MethodPost, "/api/auth/otp", "", `{"phone":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json expected 400, got %d", resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "n/a"})
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("missing phone expected 400, got %d %v", resp.StatusCode, body)
	}
	big := `{"phone":"` + strings.Repeat("1", maxBodyBytes) + `"}`
	resp, _ = h.do(t, http.MethodPost, "/api/auth/otp", "", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body expected 413, got %d", resp.StatusCode)
	}
}

func TestWebhookChallengeEcho(t *testing.T) {
	h := newHarness(t, 0)
	_, body := h.do(t, http.MethodGet, "/api/sms/webhook?challenge=abc123", "", nil)
	if body["challenge"] != "abc123" {
		t.Fatalf("expected challenge echo, got %v", body)
	}
	_, body = h.do(t, http.MethodGet, "/api/sms/webhook", "", nil)
	if body["message"] == nil {
		t.Fatalf("expected endpoint message, got %v", body)
	}
}

func TestWebhookRejectsIncompletePayloads(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := h.do(t, http.MethodPost, "/api/sms/webhook", "", map[string]string{"from": "0551234567"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] == nil {
		t.Fatalf("expected 400 with error, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/api/sms/webhook", "", map[string]string{"from": "0551234567", "text": "1"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != app.ErrNoActiveReminder.Error() {
		t.Fatalf("expected no active reminder, got %d %v", resp.StatusCode, body)
	}
}

func TestInternalTickRequiresServiceToken(t *testing.T) {
	h := newHarness(t, 0)
	if resp, _ := h.tick(t, "", morning); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forger, _ := servicetoken.NewSignerFromKey(otherKey, servicetoken.SignerOptions{Issuer: servicetoken.IssuerScheduler})
	forged, _ := forger.Sign(servicetoken.AudienceReminder)
	if resp, _ := h.tick(t, forged, morning); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token expected 401, got %d", resp.StatusCode)
	}
	wrongAudience, _ := h.signer.Sign("gateway")
	if resp, _ := h.tick(t, wrongAudience, morning); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong audience expected 401, got %d", resp.StatusCode)
	}
	token, _ := h.signer.Sign(servicetoken.AudienceReminder)
	resp, body := h.tick(t, token, morning)
	if resp.StatusCode != http.StatusOK || body["due"] != float64(0) {
		t.Fatalf("valid tick expected empty report, got %d %v", resp.StatusCode, body)
	}
}

func TestPatientRoutesRequireSession(t *testing.T) {
	h := newHarness(t, 0)
	patientID, token := h.register(t, "0551234567", "Ama Mensah")

	for _, path := range []string{"/api/medications", "/api/adherence", "/api/reminders"} {
		if resp, _ := h.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token expected 401, got %d", path, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/medications", nil)
	req.Header.Set("X-User-Id", patientID)
	if resp, body := h.send(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bare user id header expected 401, got %d %v", resp.StatusCode, body)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forger, _ := usertoken.NewIssuerFromKey(otherKey, usertoken.Options{})
	forged, _, _ := forger.Issue(patientID, "233551234567")
	if resp, _ := h.do(t, http.MethodGet, "/api/medications", forged, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged session expected 401, got %d", resp.StatusCode)
	}

	unregistered := h.login(t, "0209999999")
	if resp, _ := h.do(t, http.MethodGet, "/api/medications", unregistered, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unregistered phone expected 403, got %d", resp.StatusCode)
	}

	if resp, _ := h.do(t, http.MethodGet, "/api/medications", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid session expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/reminders/nope/cancel", token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reminder expected 404, got %d", resp.StatusCode)
	}
}

func TestRegisterPatientRequiresVerifiedPhone(t *testing.T) {
	h := newHarness(t, 0)
	if resp, _ := h.do(t, http.MethodPost, "/api/patients", "", map[string]string{"name": "Ama", "phone": "0551234567"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("register without session expected 401, got %d", resp.StatusCode)
	}
	token := h.login(t, "0551234567")
	if resp, _ := h.do(t, http.MethodPost, "/api/patients", token, map[string]string{"name": "Ama", "phone": "0209999999"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("registering another phone expected 403, got %d", resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodPost, "/api/patients", token, map[string]string{"name": "Ama Mensah", "phone": "+233 55 123 4567"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register expected 201, got %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/patients", h.login(t, "233551234567"), map[string]string{"name": "Dup"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate phone expected 409, got %d", resp.StatusCode)
	}

	// a known phone logs straight into its patient
	again := h.login(t, "0551234567")
	claims, err := h.sessions.Verify(again)
	patient, _ := body["patient"].(map[string]any)
	if err != nil || claims.PatientID() != patient["id"] {
		t.Fatalf("expected session for the registered patient, got %+v err %v", claims, err)
	}
}

func TestVerifyRateLimitedPerPhone(t *testing.T) {
	h := newHarness(t, 1)
	if resp, _ := h.do(t, http.MethodPost, "/api/auth/otp", "", map[string]string{"phone": "0551234567"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("issue expected 200, got %d", resp.StatusCode)
	}
	guess := map[string]string{"phone": "0551234567", "code": "000000"}
	for i := 0; i < 2; i++ {
		if resp, _ := h.do(t, http.MethodPost, "/api/auth/otp/verify", "", guess); resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("attempt %d limited too early", i+1)
		}
	}
	resp, _ := h.do(t, http.MethodPost, "/api/auth/otp/verify", "", guess)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("third attempt for the phone expected 429 with Retry-After, got %d", resp.StatusCode)
	}
	other := map[string]string{"phone": "0209999999", "code": "000000"}
	if resp, _ := h.do(t, http.MethodPost, "/api/auth/otp/verify", "", other); resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("another phone must not share the per-phone limit")
	}
}

func TestMedicationReminderRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	_, patient := h.register(t, "0551234567", "Ama Mensah")
	_, stranger := h.register(t, "0209999999", "Kofi Boateng")

	resp, body := h.do(t, http.MethodPost, "/api/medications", patient, map[string]any{"name": "Metformin", "dosage": "500mg", "times": []string{"25:00"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad time expected 400, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/api/medications", patient, map[string]any{"name": "Metformin", "dosage": "500mg", "frequency": "daily", "times": []string{"8:00"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create medication expected 201, got %d %v", resp.StatusCode, body)
	}
	medID, _ := body["id"].(string)

	tickToken, _ := h.signer.Sign(servicetoken.AudienceReminder)
	resp, body = h.tick(t, tickToken, morning)
	if resp.StatusCode != http.StatusOK || body["sent"] != float64(1) {
		t.Fatalf("tick expected one sent, got %d %v", resp.StatusCode, body)
	}
	if !strings.Contains(h.sender.last(), "Metformin (500mg)") {
		t.Fatalf("unexpected reminder text %q", h.sender.last())
	}

	resp, body = h.do(t, http.MethodPost, "/api/sms/webhook", "", map[string]string{"from": "+233551234567", "text": "9"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != app.ErrInvalidResponse.Error() {
		t.Fatalf("invalid reply expected 400, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/api/sms/webhook", "", map[string]string{"from": "+233551234567", "text": "1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["status"] != string(domain.ReminderTaken) {
		t.Fatalf("reply expected taken, got %d %v", resp.StatusCode, body)
	}

	_, body = h.do(t, http.MethodGet, "/api/adherence", patient, nil)
	if body["taken"] != float64(1) || body["total"] != float64(1) || body["percentage"] != float64(100) {
		t.Fatalf("unexpected adherence %v", body)
	}
	_, body = h.do(t, http.MethodGet, "/api/reminders", patient, nil)
	if body["count"] != float64(1) {
		t.Fatalf("expected one reminder in history, got %v", body)
	}

	resp, body = h.do(t, http.MethodPost, "/api/medications/"+medID+"/taken", patient, nil)
	if resp.StatusCode != http.StatusOK || body["takenDoses"] != float64(2) {
		t.Fatalf("mark taken expected 200, got %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/medications/"+medID+"/taken", stranger, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign medication expected 404, got %d", resp.StatusCode)
	}
	resp, body = h.do(t, http.MethodDelete, "/api/medications/"+medID, patient, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != string(domain.MedicationCompleted) {
		t.Fatalf("deactivate expected completed, got %d %v", resp.StatusCode, body)
	}
	_, body = h.do(t, http.MethodGet, "/api/medications", patient, nil)
	if body["count"] != float64(0) {
		t.Fatalf("expected no active medications, got %v", body)
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	core, err := app.New(app.Config{Store: store.NewMemoryStore(), Codes: noCodes{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	verifier, _ := servicetoken.NewVerifierFromKey(&key.PublicKey, servicetoken.VerifierOptions{
		Audience:       servicetoken.AudienceReminder,
		AllowedIssuers: []string{servicetoken.IssuerScheduler},
	})
	sessions, _ := usertoken.NewIssuerFromKey(key, usertoken.Options{})
	if _, err := New(Config{App: core, TokenVerifier: verifier}); err == nil || !strings.Contains(err.Error(), "session token issuer") {
		t.Fatalf("expected missing session issuer error, got %v", err)
	}
	if _, err := New(Config{App: core, TokenVerifier: verifier, SessionTokens: sessions}); err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
}

type noCodes struct{}

func (noCodes) SaveCode(context.Context, domain.VerificationCode) error { return nil }
func (noCodes) ConsumeCode(context.Context, string, func(domain.VerificationCode) bool) error {
	return store.ErrNotFound
}
