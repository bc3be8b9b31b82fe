package domain

import (
	"time"
)

const (
	APIKeyLength      = 64
	MaxUsernameLength = 50
	MinPasswordLength = 6
)

// Identity is an account record. PasswordHash and APIKey never leave the process through JSON.
type Identity struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	APIKey       string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Owns reports whether the identity owns the paste.
func (i *Identity) Owns(p *Paste) bool {
	return i != nil && p != nil && i.ID == p.OwnerID
}

// CanAccess reports whether the identity may read a hidden paste or modify any paste.
func (i *Identity) CanAccess(p *Paste) bool {
	return i != nil && (i.IsAdmin || i.Owns(p))
}

type UserPatch struct {
	Username     *string
	PasswordHash *string
	IsAdmin      *bool
}

func (u UserPatch) Empty() bool {
	return u.Username == nil && u.PasswordHash == nil && u.IsAdmin == nil
}
