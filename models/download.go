package models

import "time"

const (
	DefaultDownloadLimit = 3
	DefaultDownloadTTL   = 24 * time.Hour
)

type DownloadToken struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Token              string    `json:"token"`
	DownloadsRemaining int       `json:"downloads_remaining"`
	ExpiresAt          time.Time `json:"expires_at"`
	CreatedAt          time.Time `json:"created_at"`
}

type DownloadInfo struct {
	DownloadURL        string  `json:"download_url"`
	Filename           string  `json:"filename"`
	DownloadsRemaining int     `json:"downloads_remaining"`
	LicenseKey         *string `json:"license_key"`
}
