package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mediconnect-auth/internal/service"
	"mediconnect-auth/internal/util"
)

// AuthHandler exposes the account-security operations over HTTP. It only
// translates between the wire and service.Result; every decision lives
// in the service layer.
type AuthHandler struct {
	authService *service.AuthService
	logger      *zap.Logger
	healthCheck func() map[string]string
}

func NewAuthHandler(authService *service.AuthService, logger *zap.Logger, healthCheck func() map[string]string) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger,
		healthCheck: healthCheck,
	}
}

// RegisterRoutes registers all auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/otp/request", h.RequestOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/login", h.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Post("/logout", h.Logout)
			r.Post("/password", h.ChangePassword)
			r.Get("/status", h.SecurityStatus)
			r.Patch("/profile", h.UpdateProfile)

			r.Post("/mfa/setup", h.SetupMFA)
			r.Post("/mfa/verify", h.VerifyMFASetup)
			r.Post("/mfa/disable", h.DisableMFA)
		})

		// Administrative routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession, h.RequireAdmin)
			r.Post("/accounts/{accountID}/lock", h.LockAccount)
			r.Post("/accounts/{accountID}/unlock", h.UnlockAccount)
		})
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	res := h.authService.Register(r.Context(), req, requestMeta(r))
	h.respondResult(w, res)
	h.logger.Info("registration handled",
		util.String("status", string(res.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}
	h.respondResult(w, h.authService.RequestOTP(r.Context(), req.Email, requestMeta(r)))
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}
	h.respondResult(w, h.authService.VerifyOTP(r.Context(), req.Email, req.Code, requestMeta(r)))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	res := h.authService.Login(r.Context(), req, requestMeta(r))
	h.respondResult(w, res)
	h.logger.Info("login handled",
		util.String("status", string(res.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.Logout(r.Context(), claims.Subject, claims.SessionID, requestMeta(r)))
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword, requestMeta(r)))
}

func (h *AuthHandler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.SecurityStatus(r.Context(), claims.Subject))
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req service.ProfileUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.UpdateProfile(r.Context(), claims.Subject, req, requestMeta(r)))
}

func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.SetupMFA(r.Context(), claims.Subject, requestMeta(r)))
}

func (h *AuthHandler) VerifyMFASetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.VerifyMFASetup(r.Context(), claims.Subject, req.Code, requestMeta(r)))
}

func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondBadJSON(w)
		return
	}

	claims := sessionClaims(r.Context())
	h.respondResult(w, h.authService.DisableMFA(r.Context(), claims.Subject, req.CurrentPassword, requestMeta(r)))
}

func (h *AuthHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for admin locks.
	_ = json.NewDecoder(r.Body).Decode(&req)

	accountID := chi.URLParam(r, "accountID")
	h.respondResult(w, h.authService.LockAccount(r.Context(), accountID, req.Reason, requestMeta(r)))
}

func (h *AuthHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	h.respondResult(w, h.authService.UnlockAccount(r.Context(), accountID, requestMeta(r)))
}

// HealthCheck reports the health of each backing store.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.healthCheck == nil {
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	checks := h.healthCheck()
	status := http.StatusOK
	for _, state := range checks {
		if state != "healthy" {
			status = http.StatusServiceUnavailable
			break
		}
	}
	h.respondJSON(w, status, map[string]interface{}{"status": checks})
}

// Helper Methods

// statusCodes maps service outcomes onto HTTP codes.
var statusCodes = map[service.Status]int{
	service.StatusSuccess:      http.StatusOK,
	service.StatusInvalidInput: http.StatusBadRequest,
	service.StatusUnauthorized: http.StatusUnauthorized,
	service.StatusLocked:       http.StatusForbidden,
	service.StatusThrottled:    http.StatusTooManyRequests,
	service.StatusConflict:     http.StatusConflict,
	service.StatusMFARequired:  http.StatusUnauthorized,
	service.StatusServerError:  http.StatusInternalServerError,
}

func (h *AuthHandler) respondResult(w http.ResponseWriter, res *service.Result) {
	code, ok := statusCodes[res.Status]
	if !ok {
		code = http.StatusInternalServerError
	}
	h.respondJSON(w, code, res)
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondBadJSON(w http.ResponseWriter) {
	h.respondJSON(w, http.StatusBadRequest, &service.Result{
		Status:  service.StatusInvalidInput,
		Reason:  "bad_request",
		Message: "request body is not valid JSON",
	})
}

// requestMeta extracts the transport context carried into every audit
// record. RealIP middleware has already resolved RemoteAddr.
func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}
