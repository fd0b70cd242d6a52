package util

import "strings"

// OTPDigits is the length of the one-time codes the dashboard accepts.
const OTPDigits = 6

// NormalizeOTP strips the whitespace users type or paste into a code.
func NormalizeOTP(code string) string {
	return strings.Join(strings.Fields(code), "")
}

// ValidOTP reports whether code is exactly OTPDigits ASCII digits.
func ValidOTP(code string) bool {
	if len(code) != OTPDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
