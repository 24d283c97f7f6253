package models

import (
	"time"
)

// User represents an application user. PasswordHash is excluded from JSON
// so it can never leak into an API response; the store keeps its own
// on-disk representation.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	MessageQuota int       `json:"messageQuota"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Settings holds the global, admin-mutable service settings. DefaultQuota
// seeds MessageQuota at user creation; changing it is not retroactive.
type Settings struct {
	DefaultQuota int `json:"defaultQuota"`
}
