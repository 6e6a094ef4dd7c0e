package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	LicenseFree    = "free"
	LicensePremium = "premium"
)

// User owns jobs and carries the license attributes that quotas read.
// A zero MaxLogRows or MaxProjects means unlimited; an empty
// AllowedAlgorithms means every algorithm is allowed.
type User struct {
	ID                uuid.UUID  `db:"id"                 json:"id"`
	Username          string     `db:"username"           json:"username"`
	LicenseType       string     `db:"license_type"       json:"license_type"`
	LicenseExpiresAt  *time.Time `db:"license_expires_at" json:"license_expires_at,omitempty"`
	MaxLogRows        int        `db:"max_log_rows"       json:"max_log_rows"`
	MaxProjects       int        `db:"max_projects"       json:"max_projects"`
	AllowedAlgorithms []string   `db:"allowed_algorithms" json:"allowed_algorithms"`
	CreatedAt         time.Time  `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"         json:"updated_at"`
}

// IsPremium reports whether the user holds an unexpired premium license at now.
func (u *User) IsPremium(now time.Time) bool {
	if u.LicenseType != LicensePremium {
		return false
	}
	return u.LicenseExpiresAt == nil || u.LicenseExpiresAt.After(now)
}
