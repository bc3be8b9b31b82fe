package domain

import (
	"time"
)

const (
	DedupWindow     = 24 * time.Hour
	AnalyticsWindow = 7 * 24 * time.Hour
)

// ViewEvent is one counted visit. Rows are only ever inserted.
type ViewEvent struct {
	ID         int64
	PasteID    int64
	ViewerIP   string
	IdentityID *int64
	ViewedAt   time.Time
}

// Viewer is the key a view is deduplicated on: the identity when authenticated, else the IP.
type Viewer struct {
	IdentityID *int64
	IP         string
}

type ViewOutcome string

const (
	ViewCounted   ViewOutcome = "counted"
	ViewDuplicate ViewOutcome = "duplicate"
	ViewOwner     ViewOutcome = "owner"
)

type ViewResult struct {
	ViewCount int64       `json:"view_count"`
	Outcome   ViewOutcome `json:"-"`
}

type Summary struct {
	TotalViews         int `json:"total_views"`
	UniqueIPs          int `json:"unique_ips"`
	AuthenticatedViews int `json:"authenticated_views"`
	RecentViews        int `json:"recent_views"`
}

type PasteSummary struct {
	PasteID string `json:"paste_id"`
	Title   string `json:"title"`
	Summary
}

// Summarize aggregates a paste's view history. IPs are compared as stored, without normalisation.
func Summarize(events []ViewEvent, now time.Time) Summary {
	ips := make(map[string]struct{}, len(events))
	cutoff := now.Add(-AnalyticsWindow)
	s := Summary{TotalViews: len(events)}
	for _, e := range events {
		ips[e.ViewerIP] = struct{}{}
		if e.IdentityID != nil {
			s.AuthenticatedViews++
		}
		if e.ViewedAt.After(cutoff) {
			s.RecentViews++
		}
	}
	s.UniqueIPs = len(ips)
	return s
}
