package sandbox

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B, SHA-1 seed "12345678901234567890".
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPCode_RFCVectors(t *testing.T) {
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tt := range tests {
		got, err := TOTPCode(rfcSecret, time.Unix(tt.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "t=%d", tt.unix)
	}
}

func TestMatchTOTPStep_Window(t *testing.T) {
	now := time.Unix(1234567890, 0)
	step := now.Unix() / totpPeriod
	current, err := TOTPCode(rfcSecret, now)
	require.NoError(t, err)
	previous, _ := TOTPCode(rfcSecret, now.Add(-totpPeriod*time.Second))
	stale, _ := TOTPCode(rfcSecret, now.Add(-3*totpPeriod*time.Second))

	got, ok := matchTOTPStep(rfcSecret, current, now)
	assert.True(t, ok)
	assert.Equal(t, step, got)
	_, ok = matchTOTPStep(rfcSecret, current[:3]+" "+current[3:], now)
	assert.True(t, ok, "spaces are ignored")
	got, ok = matchTOTPStep(rfcSecret, previous, now)
	assert.True(t, ok, "one step of drift is accepted")
	assert.Equal(t, step-1, got)

	for _, code := range []string{stale, "12345", "abcdef"} {
		_, ok = matchTOTPStep(rfcSecret, code, now)
		assert.False(t, ok, code)
	}
	_, ok = matchTOTPStep("not base32!", current, now)
	assert.False(t, ok)
}

func TestRedeemTOTP_RejectsReusedStep(t *testing.T) {
	now := time.Unix(1234567890, 0)
	a := &accountRecord{TOTPEnabled: true, TOTPSecret: rfcSecret}
	current, _ := TOTPCode(rfcSecret, now)
	previous, _ := TOTPCode(rfcSecret, now.Add(-totpPeriod*time.Second))

	assert.ErrorIs(t, a.redeemTOTP("000000", now), errInvalidCode)
	require.NoError(t, a.redeemTOTP(current, now))
	assert.Equal(t, now.Unix()/totpPeriod, a.LastTOTPStep)

	assert.ErrorIs(t, a.redeemTOTP(current, now), errCodeReused)
	assert.ErrorIs(t, a.redeemTOTP(previous, now), errCodeReused, "an older step inside the window is refused too")
	assert.True(t, a.checkTOTP(current, now), "checking a code does not consume it")

	later := now.Add(totpPeriod * time.Second)
	next, _ := TOTPCode(rfcSecret, later)
	assert.NoError(t, a.redeemTOTP(next, later))

	require.NoError(t, a.disableTwoFactor())
	assert.Zero(t, a.LastTOTPStep)
	assert.ErrorIs(t, a.redeemTOTP(next, later), errTwoFactorNotEnabled)
}

func TestEnrolment(t *testing.T) {
	now := time.Unix(1234567890, 0)
	a := &accountRecord{}

	assert.ErrorIs(t, a.confirmEnrolment("123456", now), errNoPendingSetup)
	require.NoError(t, a.startEnrolment(rfcSecret, now))
	assert.True(t, a.PendingTOTPExpiry.Equal(now.Add(totpSetupTTL)))
	assert.ErrorIs(t, a.confirmEnrolment("000000", now), errInvalidCode)
	assert.False(t, a.TOTPEnabled)

	late := now.Add(totpSetupTTL + time.Second)
	code, _ := TOTPCode(rfcSecret, late)
	assert.ErrorIs(t, a.confirmEnrolment(code, late), errNoPendingSetup)

	code, _ = TOTPCode(rfcSecret, now)
	require.NoError(t, a.confirmEnrolment(code, now))
	assert.True(t, a.TOTPEnabled)
	assert.Equal(t, rfcSecret, a.TOTPSecret)
	assert.Empty(t, a.PendingTOTPSecret)
	assert.True(t, a.PendingTOTPExpiry.IsZero())
	assert.NoError(t, a.redeemTOTP(code, now), "confirming enrolment does not spend the code")

	assert.ErrorIs(t, a.startEnrolment(rfcSecret, now), errTwoFactorEnabled)
	assert.ErrorIs(t, a.confirmEnrolment(code, now), errTwoFactorEnabled)
}

func TestGenerateTOTPSecret(t *testing.T) {
	a, err := generateTOTPSecret()
	require.NoError(t, err)
	b, err := generateTOTPSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
	_, err = TOTPCode(a, time.Now())
	assert.NoError(t, err)
}

func TestOTPAuthURL(t *testing.T) {
	raw := otpAuthURL("ABCDEF", "ops@broker.test")
	require.True(t, strings.HasPrefix(raw, "otpauth://totp/"))
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", u.Query().Get("secret"))
	assert.Equal(t, totpIssuer, u.Query().Get("issuer"))
	assert.Equal(t, "6", u.Query().Get("digits"))
}
