// Package download redeems download tokens issued after a successful payment.
package download

import (
	"context"
	"errors"
	"time"

	"junior.app/backend/internal/apperr"
	"junior.app/backend/internal/logger"
	"junior.app/backend/models"
	"junior.app/backend/storage"
)

// ErrInvalidToken is returned for unknown, expired and exhausted tokens alike.
var ErrInvalidToken = apperr.NotFoundf("download.Redeem", "Invalid or expired download token")

type Options struct {
	URL      string
	Filename string
}

type Service struct {
	store storage.Storage
	opts  Options
	now   func() time.Time
}

func New(store storage.Storage, opts Options) *Service {
	return &Service{store: store, opts: opts, now: time.Now}
}

// Redeem consumes one download from token and returns where to fetch the
// artifact together with the owner's license key.
func (s *Service) Redeem(ctx context.Context, token string) (*models.DownloadInfo, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	dt, err := s.store.RedeemDownloadToken(ctx, token, s.now().UTC())
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Info("Download token rejected")
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	info := &models.DownloadInfo{
		DownloadURL:        s.opts.URL,
		Filename:           s.opts.Filename,
		DownloadsRemaining: dt.DownloadsRemaining,
	}

	key, err := s.licenseKey(ctx, dt.UserID)
	if err != nil {
		// The download was already counted; a missing key must not cost the user it.
		logger.Error("Failed to look up license for download", map[string]interface{}{
			"error":   err.Error(),
			"user_id": dt.UserID,
		})
	}
	info.LicenseKey = key

	logger.Info("Download token redeemed", map[string]interface{}{
		"user_id":             dt.UserID,
		"downloads_remaining": dt.DownloadsRemaining,
	})
	return info, nil
}

// licenseKey prefers the active license and falls back to the most recent one.
func (s *Service) licenseKey(ctx context.Context, userID string) (*string, error) {
	active, err := s.store.FindActiveLicense(ctx, userID)
	if err == nil {
		return &active.Key, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	licenses, err := s.store.FindLicensesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(licenses) == 0 {
		return nil, nil
	}
	return &licenses[len(licenses)-1].Key, nil
}
