package models

import "time"

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusExpired   = "expired"
)

const PlanBeta = "beta"

type LicenseKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Key        string     `json:"license_key"`
	PlanType   string     `json:"plan_type"`
	Status     string     `json:"status"`
	MachineID  *string    `json:"machine_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used,omitempty"`
}

func (l *LicenseKey) IsActive() bool {
	return l != nil && l.Status == StatusActive
}
