package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeTokenPrefersTempToken(t *testing.T) {
	var resp loginResponse
	require.NoError(t, json.Unmarshal([]byte(`{"requires2FA":true,"refresh_token":"TMP1"}`), &resp))
	assert.Equal(t, "TMP1", resp.challengeToken())

	require.NoError(t, json.Unmarshal([]byte(`{"requires2FA":true,"refresh_token":"TMP1","tempToken":"TMP2"}`), &resp))
	assert.Equal(t, "TMP2", resp.challengeToken())
}

func TestDecodeAdmin(t *testing.T) {
	admin, err := decodeAdmin(json.RawMessage(`{
		"id": 42,
		"name": "Ops",
		"email": "ops@example.com",
		"role": "compliance",
		"permissions": ["kyc:review"],
		"twoFactorEnabled": true,
		"lastLoginAt": "2026-01-02T03:04:05Z",
		"region": "eu"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "42", admin.ID)
	assert.Equal(t, "compliance", admin.Role)
	assert.True(t, admin.HasPermission("kyc:review"))
	assert.True(t, admin.TwoFactorEnabled)
	require.NotNil(t, admin.LastLoginAt)
	assert.Equal(t, 2026, admin.LastLoginAt.Year())
	assert.Equal(t, map[string]any{"region": "eu"}, admin.Metadata)

	_, err = decodeAdmin(json.RawMessage(`"nope"`))
	assert.Error(t, err)
}
