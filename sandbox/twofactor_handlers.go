package sandbox

import (
	"errors"
	"net/http"
)

type codeRequest struct {
	Code string `json:"code"`
}

type twoFactorSecretResponse struct {
	Secret    string `json:"secret"`
	QRCodeURL string `json:"qrCodeUrl"`
}

type validResponse struct {
	Valid bool `json:"valid"`
}

// GenerateTwoFactor starts enrolment with a fresh TOTP secret. The secret
// only takes effect once EnableTwoFactor sees a valid code for it.
func (s *Server) GenerateTwoFactor(w http.ResponseWriter, r *http.Request) {
	ac := authFromContext(r.Context())
	secret, err := generateTOTPSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate 2FA secret")
		return
	}
	now := s.now()
	_, err = s.updateAccount(ac.account.Email, func(a *accountRecord) error {
		return a.startEnrolment(secret, now)
	})
	if err != nil {
		writeTwoFactorError(w, err, "Failed to generate 2FA secret")
		return
	}
	s.audit.logEvent(AuditTwoFactorSetup, r, ac.account.ID)
	writeJSON(w, http.StatusOK, twoFactorSecretResponse{
		Secret:    secret,
		QRCodeURL: otpAuthURL(secret, ac.account.Email),
	})
}

// EnableTwoFactor confirms enrolment with a code for the pending secret.
func (s *Server) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ac := authFromContext(r.Context())
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := s.now()
	_, err := s.updateAccount(ac.account.Email, func(a *accountRecord) error {
		return a.confirmEnrolment(req.Code, now)
	})
	if err != nil {
		if errors.Is(err, errInvalidCode) {
			s.audit.logEvent(AuditTwoFactorFailure, r, ac.account.ID)
		}
		writeTwoFactorError(w, err, "Failed to enable 2FA")
		return
	}
	s.audit.logEvent(AuditTwoFactorEnabled, r, ac.account.ID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// DisableTwoFactor turns 2FA off for the signed-in admin.
func (s *Server) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	ac := authFromContext(r.Context())
	_, err := s.updateAccount(ac.account.Email, (*accountRecord).disableTwoFactor)
	if err != nil {
		writeTwoFactorError(w, err, "Failed to disable 2FA")
		return
	}
	s.audit.logEvent(AuditTwoFactorDisabled, r, ac.account.ID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// VerifyTwoFactor checks a code against the enrolled secret without changing
// any state.
func (s *Server) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	ac := authFromContext(r.Context())
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !ac.account.TOTPEnabled {
		writeError(w, http.StatusBadRequest, errTwoFactorNotEnabled.Error())
		return
	}
	valid := ac.account.checkTOTP(req.Code, s.now())
	if !valid {
		s.audit.logEvent(AuditTwoFactorFailure, r, ac.account.ID)
	}
	writeJSON(w, http.StatusOK, validResponse{Valid: valid})
}

func writeTwoFactorError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, errTwoFactorEnabled),
		errors.Is(err, errTwoFactorNotEnabled),
		errors.Is(err, errNoPendingSetup),
		errors.Is(err, errInvalidCode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
