package sandbox

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/brokerdesk/internal/util"
)

const (
	totpSecretBytes = 20
	totpPeriod      = 30
	totpWindow      = 1
	totpIssuer      = "Brokerdesk"
	totpSetupTTL    = 10 * time.Minute
)

var (
	errTwoFactorEnabled    = errors.New("2FA is already enabled")
	errTwoFactorNotEnabled = errors.New("2FA is not enabled")
	errNoPendingSetup      = errors.New("No pending 2FA setup. Generate a new secret first.")
	errInvalidCode         = errors.New("Invalid 2FA code")
	errCodeReused          = errors.New("2FA code already used")
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateTOTPSecret() (string, error) {
	raw, err := util.RandomBytes(totpSecretBytes)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(raw)
	return totpEncoding.EncodeToString(raw), nil
}

// startEnrolment parks secret on the account until confirmEnrolment sees a
// code for it or totpSetupTTL passes. A second call replaces the first.
func (a *accountRecord) startEnrolment(secret string, now time.Time) error {
	if a.TOTPEnabled {
		return errTwoFactorEnabled
	}
	a.PendingTOTPSecret = secret
	a.PendingTOTPExpiry = now.Add(totpSetupTTL).UTC()
	return nil
}

// confirmEnrolment promotes the pending secret once code matches it.
func (a *accountRecord) confirmEnrolment(code string, now time.Time) error {
	if a.TOTPEnabled {
		return errTwoFactorEnabled
	}
	if a.PendingTOTPSecret == "" || now.After(a.PendingTOTPExpiry) {
		return errNoPendingSetup
	}
	if _, ok := matchTOTPStep(a.PendingTOTPSecret, code, now); !ok {
		return errInvalidCode
	}
	a.TOTPEnabled = true
	a.TOTPSecret = a.PendingTOTPSecret
	a.PendingTOTPSecret = ""
	a.PendingTOTPExpiry = time.Time{}
	a.LastTOTPStep = 0
	return nil
}

func (a *accountRecord) disableTwoFactor() error {
	if !a.TOTPEnabled {
		return errTwoFactorNotEnabled
	}
	a.TOTPEnabled = false
	a.TOTPSecret = ""
	a.LastTOTPStep = 0
	return nil
}

// checkTOTP matches code against the enrolled secret without consuming it.
func (a *accountRecord) checkTOTP(code string, now time.Time) bool {
	if !a.TOTPEnabled {
		return false
	}
	_, ok := matchTOTPStep(a.TOTPSecret, code, now)
	return ok
}

// redeemTOTP accepts code for a login at most once. A code from a time step
// at or before the last redeemed one is refused even inside the drift window.
func (a *accountRecord) redeemTOTP(code string, now time.Time) error {
	if !a.TOTPEnabled {
		return errTwoFactorNotEnabled
	}
	step, ok := matchTOTPStep(a.TOTPSecret, code, now)
	if !ok {
		return errInvalidCode
	}
	if step <= a.LastTOTPStep {
		return errCodeReused
	}
	a.LastTOTPStep = step
	return nil
}

// matchTOTPStep returns the time step within ±totpWindow of now whose code
// equals code.
func matchTOTPStep(secret, code string, now time.Time) (int64, bool) {
	code = util.NormalizeOTP(code)
	if !util.ValidOTP(code) {
		return 0, false
	}
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return 0, false
	}
	defer util.WipeBytes(key)
	current := now.Unix() / totpPeriod
	for step := current - totpWindow; step <= current+totpWindow; step++ {
		if subtle.ConstantTimeCompare([]byte(hotp(key, step)), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// TOTPCode computes the RFC 6238 code for secret at the given time. Tests and
// the CLI's sandbox helpers use it to act as an authenticator app.
func TOTPCode(secret string, at time.Time) (string, error) {
	key, err := decodeTOTPSecret(secret)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return hotp(key, at.Unix()/totpPeriod), nil
}

func decodeTOTPSecret(secret string) ([]byte, error) {
	key, err := totpEncoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return nil, fmt.Errorf("decoding TOTP secret: %w", err)
	}
	return key, nil
}

// hotp is RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", util.OTPDigits, value%1_000_000)
}

func otpAuthURL(secret, accountLabel string) string {
	values := url.Values{
		"secret":    {secret},
		"issuer":    {totpIssuer},
		"algorithm": {"SHA1"},
		"digits":    {strconv.Itoa(util.OTPDigits)},
		"period":    {strconv.Itoa(totpPeriod)},
	}
	return "otpauth://totp/" + url.PathEscape(totpIssuer+":"+accountLabel) + "?" + values.Encode()
}
