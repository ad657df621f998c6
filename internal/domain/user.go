// Package domain contains core domain types for the conductor service.
package domain

import (
	"time"
)

// User is the owner of a conversation thread.
type User struct {
	OwnerID   string    `json:"owner_id"`
	Username  string    `json:"username"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the user's timezone, falling back to fallback when the
// stored zone is empty or unknown.
func (u *User) Location(fallback string) *time.Location {
	if u != nil && u.Timezone != "" {
		if loc, err := time.LoadLocation(u.Timezone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(fallback)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Token is an OAuth access token stored for an owner and provider.
type Token struct {
	OwnerID      string    `json:"owner_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the token carries an expiry that has passed.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Memory is a long-term note saved for an owner.
type Memory struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
