package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	downloadTokenBytes = 32
	licenseNonceBytes  = 16
	LicenseKeyLength   = 32
)

// DownloadToken returns 256 bits of randomness encoded URL-safe without padding.
func DownloadToken() (string, error) {
	buf := make([]byte, downloadTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// LicenseKey derives a 32 character uppercase hex key. The hash input mixes in
// the current time and a fresh 128-bit nonce, so the email cannot be recovered
// and two calls never agree.
func LicenseKey(email, planType string) (string, error) {
	return licenseKeyAt(email, planType, time.Now())
}

func licenseKeyAt(email, planType string, now time.Time) (string, error) {
	nonce := make([]byte, licenseNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	combined := fmt.Sprintf("%s:%s:%d:%s", email, planType, now.Unix(), hex.EncodeToString(nonce))
	sum := sha256.Sum256([]byte(combined))

	return strings.ToUpper(hex.EncodeToString(sum[:])[:LicenseKeyLength]), nil
}
