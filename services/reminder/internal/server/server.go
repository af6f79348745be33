package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meditext/internal/ratelimit"
	"meditext/internal/servicetoken"
	"meditext/internal/usertoken"
	"meditext/internal/util"
	"meditext/pkg/domain"
	"meditext/services/reminder/internal/app"
	"meditext/services/reminder/internal/security"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                       *app.App
	TokenVerifier             *servicetoken.Verifier
	SessionTokens             *usertoken.Issuer
	TrustedProxies            *util.TrustedProxies
	RedisAddr                 string
	RedisPassword             string
	OTPRateLimitPerMinute     int
	WebhookRateLimitPerMinute int
}

// Server exposes the reminder service over HTTP.
type Server struct {
	app             *app.App
	tokenVerifier   *servicetoken.Verifier
	sessions        *usertoken.Issuer
	trusted         *util.TrustedProxies
	mux             *http.ServeMux
	otpPhoneLimiter *ratelimit.FixedWindowLimiter
	otpIPLimiter    *ratelimit.FixedWindowLimiter
	verifyLimiter   *ratelimit.FixedWindowLimiter
	webhookLimiter  *ratelimit.FixedWindowLimiter
	alerter         *security.Alerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server: internal token verifier is required")
	}
	if cfg.SessionTokens == nil {
		return nil, errors.New("server: session token issuer is required")
	}
	otpLimit := cfg.OTPRateLimitPerMinute
	if otpLimit <= 0 {
		otpLimit = 3
	}
	webhookLimit := cfg.WebhookRateLimitPerMinute
	if webhookLimit <= 0 {
		webhookLimit = 120
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "meditext:reminder:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	otpPhone, err := newLimiter("otp_phone", otpLimit)
	if err != nil {
		return nil, err
	}
	// an address may front several patients, so the per-IP ceiling is wider
	otpIP, err := newLimiter("otp_ip", otpLimit*4)
	if err != nil {
		return nil, err
	}
	// per phone, so rotating addresses does not buy more guesses
	verifyPhone, err := newLimiter("otp_verify_phone", otpLimit*2)
	if err != nil {
		return nil, err
	}
	webhook, err := newLimiter("webhook", webhookLimit)
	if err != nil {
		return nil, err
	}
	alerter, err := security.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, "")
	if err != nil {
		return nil, fmt.Errorf("init alerter: %w", err)
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		sessions:        cfg.SessionTokens,
		trusted:         cfg.TrustedProxies,
		mux:             http.NewServeMux(),
		otpPhoneLimiter: otpPhone,
		otpIPLimiter:    otpIP,
		verifyLimiter:   verifyPhone,
		webhookLimiter:  webhook,
		alerter:         alerter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("reminder", util.WithSecurityHeaders(s.mux)))
}

// Close releases the Redis connections.
func (s *Server) Close() error {
	return errors.Join(
		s.otpPhoneLimiter.Close(),
		s.otpIPLimiter.Close(),
		s.verifyLimiter.Close(),
		s.webhookLimiter.Close(),
		s.alerter.Close(),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// verification
	s.mux.HandleFunc("POST /api/auth/otp", s.handleIssueCode)
	s.mux.HandleFunc("POST /api/auth/otp/verify", s.handleVerifyCode)

	// inbound sms
	s.mux.HandleFunc("GET /api/sms/webhook", s.handleWebhookChallenge)
	s.mux.HandleFunc("POST /api/sms/webhook", s.handleWebhook)

	// patients
	s.mux.Handle("POST /api/patients", s.session(s.handleRegisterPatient))
	s.mux.Handle("GET /api/medications", s.patient(s.handleListMedications))
	s.mux.Handle("POST /api/medications", s.patient(s.handleCreateMedication))
	s.mux.Handle("DELETE /api/medications/{id}", s.patient(s.handleDeactivateMedication))
	s.mux.Handle("POST /api/medications/{id}/taken", s.patient(s.handleMarkTaken))
	s.mux.Handle("GET /api/adherence", s.patient(s.handleAdherence))
	s.mux.Handle("GET /api/reminders", s.patient(s.handleListReminders))
	s.mux.Handle("POST /api/reminders/{id}/cancel", s.patient(s.handleCancelReminder))

	// internal
	s.mux.Handle("POST /internal/scheduler/tick", s.internalOnly(s.handleTick))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, usertoken.Claims)

// session requires a valid session token issued after phone verification.
func (s *Server) session(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "reminder.patient.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.sessions.Verify(token)
		if err != nil {
			s.audit(r, "reminder.patient.authorize", "fail", "reason", "invalid_session")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

// patientHandler receives the caller's patient id.
type patientHandler func(http.ResponseWriter, *http.Request, string)

// patient takes the patient id from the session subject only.
func (s *Server) patient(next patientHandler) http.Handler {
	return s.session(func(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
		patientID := claims.PatientID()
		if patientID == "" {
			s.audit(r, "reminder.patient.authorize", "fail", "reason", "unregistered_phone")
			writeError(w, http.StatusForbidden, "patient registration required")
			return
		}
		next(w, r, patientID)
	})
}

func (s *Server) internalOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "reminder.internal.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.audit(r, "reminder.internal.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.audit(r, "reminder.internal.authorize", "success", "issuer", claims.Issuer, "jti", claims.ID)
		next(w, r)
	})
}

// verification handlers
func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "reminder.otp.issue", "fail", "reason", "invalid_json")
		return
	}
	phone := s.app.NormalizePhone(req.Phone)
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, otpResponse{Error: app.ErrPhoneRequired.Error()})
		return
	}
	if !s.allowRate(w, r, s.otpIPLimiter, "ip:"+s.clientIP(r), "too many verification requests") ||
		!s.allowRate(w, r, s.otpPhoneLimiter, "phone:"+phone, "too many verification requests") {
		s.audit(r, "reminder.otp.issue", "rate_limited")
		return
	}
	if err := s.app.IssueCode(r.Context(), phone); err != nil {
		s.audit(r, "reminder.otp.issue", "fail", "reason", err.Error())
		writeJSON(w, statusFor(err), otpResponse{Error: publicMessage(err)})
		return
	}
	s.audit(r, "reminder.otp.issue", "success")
	writeJSON(w, http.StatusOK, otpResponse{Success: true})
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "reminder.otp.verify", "fail", "reason", "invalid_json")
		return
	}
	phone := s.app.NormalizePhone(req.Phone)
	if phone == "" {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Error: app.ErrPhoneRequired.Error()})
		return
	}
	if !s.allowRate(w, r, s.otpIPLimiter, "verify_ip:"+s.clientIP(r), "too many verification attempts") ||
		!s.allowRate(w, r, s.verifyLimiter, "phone:"+phone, "too many verification attempts") {
		s.audit(r, "reminder.otp.verify", "rate_limited")
		return
	}
	res, err := s.app.VerifyCode(r.Context(), phone, req.Code)
	if err != nil {
		s.audit(r, "reminder.otp.verify", "fail", "reason", err.Error())
		writeJSON(w, statusFor(err), verifyResponse{Error: publicMessage(err)})
		return
	}
	token, expires, err := s.sessions.Issue(res.PatientID, res.Phone)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("session token issue failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, verifyResponse{Error: "internal error"})
		return
	}
	s.audit(r, "reminder.otp.verify", "success", "patient_known", res.PatientKnown)
	writeJSON(w, http.StatusOK, verifyResponse{
		Success:      true,
		PatientKnown: res.PatientKnown,
		PatientID:    res.PatientID,
		Token:        token,
		ExpiresAt:    &expires,
	})
}

// webhook handlers
func (s *Server) handleWebhookChallenge(w http.ResponseWriter, r *http.Request) {
	if challenge := r.URL.Query().Get("challenge"); challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "SMS webhook endpoint"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.webhookLimiter, "ip:"+s.clientIP(r), "too many webhook requests") {
		s.audit(r, "reminder.webhook", "rate_limited")
		return
	}
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "reminder.webhook", "fail", "reason", "invalid_json")
		return
	}
	if strings.TrimSpace(req.From) == "" || req.Text == "" {
		s.audit(r, "reminder.webhook", "fail", "reason", "missing_fields")
		writeError(w, http.StatusBadRequest, "missing phone or message")
		return
	}
	reminder, err := s.app.Correlate(r.Context(), req.From, req.Text)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			util.LoggerFromContext(r.Context()).Error("correlate reply failed", "err", err)
		} else {
			s.audit(r, "reminder.webhook", "fail", "reason", err.Error())
		}
		writeError(w, status, publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": reminder.Status})
}

// patient handlers

// handleRegisterPatient registers the phone proven by the session token and
// returns a fresh token carrying the new patient id.
func (s *Server) handleRegisterPatient(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) != "" && s.app.NormalizePhone(req.Phone) != claims.Phone {
		s.audit(r, "reminder.patient.authorize", "fail", "reason", "phone_mismatch")
		writeError(w, http.StatusForbidden, "phone does not match verified phone")
		return
	}
	p, err := s.app.RegisterPatient(r.Context(), req.Name, req.Email, claims.Phone)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	token, expires, err := s.sessions.Issue(p.ID, p.Phone)
	if err != nil {
		writeAppError(w, r, fmt.Errorf("issue session token: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Patient: p, Token: token, ExpiresAt: expires})
}

func (s *Server) handleListMedications(w http.ResponseWriter, r *http.Request, patientID string) {
	meds, err := s.app.ListMedications(r.Context(), patientID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": meds, "count": len(meds)})
}

func (s *Server) handleCreateMedication(w http.ResponseWriter, r *http.Request, patientID string) {
	var req app.MedicationInput
	if !decodeJSON(w, r, &req) {
		return
	}
	med, err := s.app.CreateMedication(r.Context(), patientID, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, med)
}

func (s *Server) handleDeactivateMedication(w http.ResponseWriter, r *http.Request, patientID string) {
	med, err := s.app.DeactivateMedication(r.Context(), patientID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

func (s *Server) handleMarkTaken(w http.ResponseWriter, r *http.Request, patientID string) {
	med, err := s.app.MarkTaken(r.Context(), patientID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

func (s *Server) handleAdherence(w http.ResponseWriter, r *http.Request, patientID string) {
	stats, err := s.app.Stats(r.Context(), patientID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request, patientID string) {
	reminders, err := s.app.ListReminders(r.Context(), patientID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reminders, "count": len(reminders)})
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request, patientID string) {
	reminder, err := s.app.Cancel(r.Context(), patientID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reminder)
}

// internal handlers
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}
	report, err := s.app.Tick(r.Context(), at)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type otpRequest struct {
	Phone string `json:"phone"`
}

type otpResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type verifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type verifyResponse struct {
	Success      bool       `json:"success"`
	PatientKnown bool       `json:"patientKnown"`
	PatientID    string     `json:"patientId,omitempty"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type webhookRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type registerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type registerResponse struct {
	Patient   domain.Patient `json:"patient"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

type tickRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrPhoneRequired),
		errors.Is(err, app.ErrNameRequired),
		errors.Is(err, app.ErrMedicationFieldsRequired),
		errors.Is(err, app.ErrInvalidTimeOfDay),
		errors.Is(err, app.ErrInvalidResponse),
		errors.Is(err, app.ErrNoActiveReminder),
		errors.Is(err, app.ErrInvalidOrExpired):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrPhoneTaken),
		errors.Is(err, app.ErrReminderClosed),
		errors.Is(err, app.ErrAlreadyDispatched):
		return http.StatusConflict
	case errors.Is(err, app.ErrChannelUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error detail from clients.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal error"
	}
	for _, sentinel := range []error{
		app.ErrInvalidTimeOfDay, app.ErrNotFound, app.ErrPhoneRequired,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, publicMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	alert, err := s.alerter.Observe(r.Context(), event, outcome, s.clientIP(r))
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", s.clientIP(r),
			"count", alert.Count,
			"window", alert.Rule.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
