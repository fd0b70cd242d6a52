package session

import (
	"encoding/json"

	"github.com/jmcleod/brokerdesk/credstore"
)

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken,omitempty"`
}

// loginResponse is the body of POST /auth/login and POST /auth/2fa-login.
//
// When Requires2FA is set the backend reuses the refresh_token field to carry
// the temporary 2FA challenge token. That value is not a refresh token and is
// read only through challengeToken; it must never be stored as one.
type loginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Admin        json.RawMessage `json:"admin"`
	Requires2FA  bool            `json:"requires2FA"`
	TempToken    string          `json:"tempToken"`
}

func (r *loginResponse) challengeToken() string {
	if r.TempToken != "" {
		return r.TempToken
	}
	return r.RefreshToken
}

type twoFactorLoginRequest struct {
	// The backend names the challenge token refresh_token on this endpoint too.
	ChallengeToken string `json:"refresh_token"`
	TempToken      string `json:"tempToken"`
	Code           string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

type verifyResponse struct {
	Valid bool            `json:"valid"`
	Admin json.RawMessage `json:"admin"`
}

type captchaResponse struct {
	Required bool `json:"required"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type validResponse struct {
	Valid bool `json:"valid"`
}

// TwoFactorSecret is returned when the operator starts 2FA enrolment.
type TwoFactorSecret struct {
	Secret    string `json:"secret"`
	QRCodeURL string `json:"qrCodeUrl"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

var knownAdminFields = map[string]bool{
	"id": true, "name": true, "email": true, "role": true, "permissions": true,
	"twoFactorEnabled": true, "lastLoginAt": true, "metadata": true,
}

// decodeAdmin parses an admin profile, keeping fields it does not model in
// Metadata. The backend sends numeric ids on some deployments.
func decodeAdmin(raw json.RawMessage) (credstore.AdminProfile, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return credstore.AdminProfile{}, err
	}
	if id, ok := fields["id"]; ok && len(id) > 0 && id[0] != '"' && string(id) != "null" {
		quoted, _ := json.Marshal(string(id))
		fields["id"] = quoted
	}
	normalized, err := json.Marshal(fields)
	if err != nil {
		return credstore.AdminProfile{}, err
	}
	var admin credstore.AdminProfile
	if err := json.Unmarshal(normalized, &admin); err != nil {
		return credstore.AdminProfile{}, err
	}
	for k, v := range fields {
		if knownAdminFields[k] {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			continue
		}
		if admin.Metadata == nil {
			admin.Metadata = make(map[string]any)
		}
		admin.Metadata[k] = value
	}
	return admin, nil
}
