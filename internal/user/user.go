// Package user manages platform owner accounts.
package user

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user: not found")
	ErrEmailTaken   = errors.New("user: email already registered")
	ErrNoVendorKey  = errors.New("user: no vendor API key set")
	ErrInvalidLogin = errors.New("user: invalid email or password")
)

// User owns clients and agents.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	PasswordHash    string    `json:"-"`
	VendorKeySealed []byte    `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasVendorKey reports whether a voice-platform API key is stored.
func (u *User) HasVendorKey() bool { return len(u.VendorKeySealed) > 0 }
