package svc

import (
	"context"
	"time"

	"snipserve/pkg/domain"
	"snipserve/svc/db"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Analytics recomputes summaries from the view ledger on every call.
type Analytics struct {
	db          *db.Store
	concurrency int
	now         func() time.Time
}

// NewAnalytics returns an aggregator. concurrency bounds the per-paste
// queries of ForAll; values below 2 run them one after another.
func NewAnalytics(store *db.Store, concurrency int) *Analytics {
	if store == nil {
		panic("analytics service: nil store")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Analytics{db: store, concurrency: concurrency, now: time.Now}
}

func (a *Analytics) ForPaste(ctx context.Context, publicID string) (domain.Summary, error) {
	p, err := a.db.PasteByPublicID(ctx, publicID)
	if err != nil {
		return domain.Summary{}, err
	}
	events, err := a.db.ViewEvents(ctx, p.ID)
	if err != nil {
		return domain.Summary{}, errors.Wrapf(err, "analytics for %s", publicID)
	}
	return domain.Summarize(events, a.now()), nil
}

// ForAll summarises every paste, in paste order.
func (a *Analytics) ForAll(ctx context.Context) ([]domain.PasteSummary, error) {
	pastes, err := a.db.ListPastes(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]domain.PasteSummary, len(pastes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, p := range pastes {
		g.Go(func() error {
			events, err := a.db.ViewEvents(gctx, p.ID)
			if err != nil {
				return errors.Wrapf(err, "analytics for %s", p.PublicID)
			}
			out[i] = domain.PasteSummary{PasteID: p.PublicID, Title: p.Title, Summary: domain.Summarize(events, now)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
