package authority

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/draftdesk/licensing/pkg/licensing"
)

// ActivateRequest is the body of POST /api/activate.
type ActivateRequest struct {
	Key       string `json:"key"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	MachineID string `json:"machineId"`
}

// LicenseResponse wraps a license in the standard success envelope.
type LicenseResponse struct {
	Success bool               `json:"success"`
	License *licensing.License `json:"license"`
}

// HTTP status conventions: logical verification outcomes are 200 with an
// explanatory payload; activation maps domain errors to 404 (unknown key),
// 410 (expired) and 409 (seat limit).
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	req.MachineID = strings.TrimSpace(req.MachineID)
	if req.Key == "" || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "key and machineId are required")
		return
	}

	lic, err := s.store.Activate(r.Context(), req.Key, req.MachineID)
	switch {
	case errors.Is(err, licensing.ErrInvalidKey):
		activationsTotal.WithLabelValues("invalid_key").Inc()
		writeError(w, http.StatusNotFound, "invalid_key", "License key not found")
		return
	case errors.Is(err, licensing.ErrExpired):
		activationsTotal.WithLabelValues("expired").Inc()
		writeError(w, http.StatusGone, "expired", "License has expired")
		return
	case errors.Is(err, licensing.ErrSeatLimitReached):
		activationsTotal.WithLabelValues("seat_limit").Inc()
		writeError(w, http.StatusConflict, "seat_limit_reached", "All activation slots for this license are in use")
		return
	case err != nil:
		internalError(w, "activate", err)
		return
	}

	activationsTotal.WithLabelValues("success").Inc()
	log.Info().
		Str("key", lic.Key).
		Str("machine_id", req.MachineID).
		Str("plan", string(lic.PlanType)).
		Int("activations", len(lic.MachineIDs)).
		Msg("License activated")
	writeJSON(w, http.StatusOK, LicenseResponse{Success: true, License: lic})
}

// VerifyRequest is the body of POST /api/verify.
type VerifyRequest struct {
	Key       string `json:"key"`
	MachineID string `json:"machineId"`
}

// VerifyResponse reports a verification outcome. Failures are logical
// outcomes, not HTTP errors.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	result, err := s.store.Verify(r.Context(), strings.TrimSpace(req.Key), strings.TrimSpace(req.MachineID))
	if err != nil {
		internalError(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: result.Valid, Reason: result.Reason})
}

// DeactivateRequest is the body of POST /api/deactivate-license.
type DeactivateRequest struct {
	LicenseKey string `json:"licenseKey"`
	MachineID  string `json:"machineId"`
}

// DeactivateResponse reports the freed-seat outcome.
type DeactivateResponse struct {
	Success              bool `json:"success"`
	RemainingActivations int  `json:"remainingActivations"`
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	remaining, err := s.store.Deactivate(r.Context(), strings.TrimSpace(req.LicenseKey), strings.TrimSpace(req.MachineID))
	switch {
	case errors.Is(err, licensing.ErrInvalidKey):
		writeError(w, http.StatusNotFound, "invalid_key", "License key not found")
		return
	case errors.Is(err, licensing.ErrWrongMachine):
		writeError(w, http.StatusNotFound, "not_activated", "Machine is not activated for this license")
		return
	case err != nil:
		internalError(w, "deactivate", err)
		return
	}

	log.Info().
		Str("key", req.LicenseKey).
		Str("machine_id", req.MachineID).
		Int("remaining", remaining).
		Msg("License deactivated")
	writeJSON(w, http.StatusOK, DeactivateResponse{Success: true, RemainingActivations: remaining})
}

// TrialRequest is the body of POST /api/trial.
type TrialRequest struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	MachineID string `json:"machineId"`
}

func (s *Server) handleTrial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req TrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.MachineID = strings.TrimSpace(req.MachineID)
	if req.Email == "" || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and machineId are required")
		return
	}

	lic, err := s.store.StartTrial(r.Context(), req.Email, req.Name, req.MachineID)
	switch {
	case errors.Is(err, licensing.ErrTrialAlreadyUsed):
		writeError(w, http.StatusConflict, "trial_already_used", "A trial has already been used on this machine")
		return
	case err != nil:
		internalError(w, "trial", err)
		return
	}

	trialsIssued.Inc()
	log.Info().
		Str("key", lic.Key).
		Str("machine_id", req.MachineID).
		Msg("Trial license issued")
	writeJSON(w, http.StatusOK, LicenseResponse{Success: true, License: lic})
}

// GenerateLicenseRequest is the body of POST /api/admin/generate-license.
type GenerateLicenseRequest struct {
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	Company        string   `json:"company,omitempty"`
	PlanType       string   `json:"planType"`
	ExpirationDays int      `json:"expirationDays"`
	MaxActivations int      `json:"maxActivations,omitempty"`
	Features       []string `json:"features,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

func (s *Server) handleGenerateLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req GenerateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	plan := licensing.Plan(strings.TrimSpace(req.PlanType))
	if !licensing.ValidPlan(plan) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown plan type")
		return
	}
	if req.ExpirationDays <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "expirationDays must be positive")
		return
	}

	lic, err := s.store.CreateLicense(r.Context(), CreateLicenseParams{
		Email:          req.Email,
		Name:           req.Name,
		Company:        req.Company,
		PlanType:       plan,
		ExpirationDays: req.ExpirationDays,
		MaxActivations: req.MaxActivations,
		Features:       req.Features,
		Notes:          req.Notes,
	})
	if err != nil {
		internalError(w, "generate-license", err)
		return
	}

	log.Info().
		Str("key", lic.Key).
		Str("email", lic.Email).
		Str("plan", string(lic.PlanType)).
		Int("expiration_days", req.ExpirationDays).
		Msg("License generated")
	writeJSON(w, http.StatusOK, LicenseResponse{Success: true, License: lic})
}

// ListLicensesResponse is the body of GET /api/admin/licenses.
type ListLicensesResponse struct {
	Licenses []*licensing.License `json:"licenses"`
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	licenses, err := s.store.ListLicenses(r.Context())
	if err != nil {
		internalError(w, "list-licenses", err)
		return
	}
	writeJSON(w, http.StatusOK, ListLicensesResponse{Licenses: licenses})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	dbStatus := "ok"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check database ping failed")
		dbStatus = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Status: "ok", Database: dbStatus})
}
