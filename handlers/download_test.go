package handlers

import (
	"net/http"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"junior.app/backend/internal/testutil"
	"junior.app/backend/models"
)

func TestDownload_RedeemsUntilExhausted(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateTestUser(t, env.store, "dl@example.com", "cus_dl")
	testutil.CreateTestToken(t, env.store, user.ID, "tok_abc", 3, time.Now().Add(time.Hour))
	testutil.CreateTestLicense(t, env.store, user.ID, "JNR-AAAA-BBBB-CCCC", models.StatusActive)

	for want := 2; want >= 0; want-- {
		w := env.do(t, http.MethodGet, "/download/tok_abc", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}

		var info models.DownloadInfo
		decodeBody(t, w, &info)
		if info.DownloadsRemaining != want {
			t.Errorf("Expected %d downloads remaining, got %d", want, info.DownloadsRemaining)
		}
		if info.Filename != "LinkedIn_Automation_Tool_v2.1.1.exe" {
			t.Errorf("Unexpected filename '%s'", info.Filename)
		}
		if info.DownloadURL == "" {
			t.Error("Expected download_url to be set")
		}
		if info.LicenseKey == nil || *info.LicenseKey != "JNR-AAAA-BBBB-CCCC" {
			t.Errorf("Expected license key in response, got %v", info.LicenseKey)
		}
	}

	w := env.do(t, http.MethodGet, "/download/tok_abc", nil)
	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Invalid or expired download token")

	if got := promtest.ToFloat64(env.metrics.Redemptions.WithLabelValues("redeemed")); got != 3 {
		t.Errorf("Expected 3 redemptions recorded, got %v", got)
	}
	if got := promtest.ToFloat64(env.metrics.Redemptions.WithLabelValues("rejected")); got != 1 {
		t.Errorf("Expected 1 rejection recorded, got %v", got)
	}
}

func TestDownload_InvalidTokens(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateTestUser(t, env.store, "dl@example.com", "cus_dl")
	testutil.CreateTestToken(t, env.store, user.ID, "tok_expired", 3, time.Now().Add(-time.Minute))
	testutil.CreateTestToken(t, env.store, user.ID, "tok_spent", 0, time.Now().Add(time.Hour))

	for _, token := range []string{"tok_unknown", "tok_expired", "tok_spent"} {
		t.Run(token, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/download/"+token, nil)
			testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Invalid or expired download token")
		})
	}
}

func TestDownload_WithoutLicense(t *testing.T) {
	env := newTestEnv(t)
	user := testutil.CreateTestUser(t, env.store, "dl@example.com", "cus_dl")
	testutil.CreateTestToken(t, env.store, user.ID, "tok_nolicense", 1, time.Now().Add(time.Hour))

	w := env.do(t, http.MethodGet, "/download/tok_nolicense", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	if v, ok := resp["license_key"]; !ok || v != nil {
		t.Errorf("Expected license_key to be null, got %v", resp)
	}
}
