package keygen

import (
	"encoding/base64"
	"regexp"
	"strings"
	"testing"
	"time"
)

var licenseKeyPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)

func TestDownloadToken_Entropy(t *testing.T) {
	token, err := DownloadToken()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("Expected URL-safe base64 token, got %q: %v", token, err)
	}
	if len(raw) < 32 {
		t.Errorf("Expected at least 32 bytes of entropy, got %d", len(raw))
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("Token %q is not URL-safe", token)
	}
}

func TestDownloadToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		token, err := DownloadToken()
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if seen[token] {
			t.Fatalf("Duplicate token generated: %s", token)
		}
		seen[token] = true
	}
}

func TestLicenseKey_Format(t *testing.T) {
	key, err := LicenseKey("buyer@example.com", "beta")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(key) != LicenseKeyLength {
		t.Errorf("Expected length %d, got %d", LicenseKeyLength, len(key))
	}
	if !licenseKeyPattern.MatchString(key) {
		t.Errorf("Expected uppercase hex key, got %q", key)
	}
}

func TestLicenseKey_SameArgumentsDiffer(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := licenseKeyAt("buyer@example.com", "beta", now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := licenseKeyAt("buyer@example.com", "beta", now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if first == second {
		t.Errorf("Expected two different keys for identical input, both were %s", first)
	}
	for _, key := range []string{first, second} {
		if !licenseKeyPattern.MatchString(key) {
			t.Errorf("Expected 32 uppercase hex characters, got %q", key)
		}
	}
}

func TestLicenseKey_DoesNotLeakEmail(t *testing.T) {
	key, err := LicenseKey("leak@example.com", "beta")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if strings.Contains(strings.ToLower(key), "leak") {
		t.Errorf("License key %q contains part of the email", key)
	}
}
