package svc

import (
	"context"
	"time"

	"snipserve/metrics"
	"snipserve/pkg/domain"
	"snipserve/svc/db"
	"snipserve/svc/util"

	"github.com/pkg/errors"
)

// Views is the deduplicating view ledger.
type Views struct {
	db  *db.Store
	now func() time.Time
}

func NewViews(store *db.Store) *Views {
	if store == nil {
		panic("view service: nil store")
	}
	return &Views{db: store, now: time.Now}
}

// SetClock replaces the time source used for dedup windows.
func (v *Views) SetClock(now func() time.Time) {
	v.now = now
}

// Record counts a view unless the viewer is the owner or already viewed the
// paste inside the dedup window. The current count is returned either way.
func (v *Views) Record(ctx context.Context, publicID string, who *domain.Identity, ip string) (domain.ViewResult, error) {
	viewer := domain.Viewer{IP: ip}
	if who != nil {
		id := who.ID
		viewer.IdentityID = &id
	}
	res, err := v.db.RecordView(ctx, publicID, viewer, v.now())
	if err != nil {
		if !errors.Is(err, domain.ErrPasteNotFound) {
			util.Error().Err(err).Str("paste_id", publicID).Msg("view not recorded")
		}
		return domain.ViewResult{}, err
	}
	metrics.Views.WithLabelValues(string(res.Outcome)).Inc()
	util.Debug().Str("paste_id", publicID).Str("ip", util.RedactIP(ip)).
		Str("outcome", string(res.Outcome)).Int64("view_count", res.ViewCount).Msg("view")
	return res, nil
}

// Count reads the counter without recording anything.
func (v *Views) Count(ctx context.Context, publicID string) (int64, error) {
	return v.db.ViewCount(ctx, publicID)
}
