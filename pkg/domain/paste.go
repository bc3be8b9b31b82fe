package domain

import (
	"time"
)

const PublicIDLength = 8

type Paste struct {
	ID        int64     `json:"-"`
	PublicID  string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Hidden    bool      `json:"hidden"`
	ViewCount int64     `json:"view_count"`
	OwnerID   int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VisibleTo reports whether a possibly anonymous identity may read the paste.
func (p *Paste) VisibleTo(i *Identity) bool {
	return !p.Hidden || i.CanAccess(p)
}

type PastePatch struct {
	Title   *string
	Content *string
	Hidden  *bool
}

func (p PastePatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Hidden == nil
}
