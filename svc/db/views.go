package db

import (
	"context"
	"database/sql"
	"time"

	"snipserve/pkg/domain"

	"github.com/pkg/errors"
)

// RecordView performs the dedup ledger step for one visit as a single unit:
// lock the paste row, skip the owner, look for a prior event inside the
// window, then insert the event and increment the counter. On SQLite the
// transaction is opened BEGIN IMMEDIATE (see sqliteDSN), on PostgreSQL the
// paste row is locked FOR UPDATE, so concurrent duplicates count once.
func (s *Store) RecordView(ctx context.Context, publicID string, v domain.Viewer, now time.Time) (domain.ViewResult, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return domain.ViewResult{}, err
	}
	defer cancel()
	var res domain.ViewResult
	err = WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		lock := ""
		if s.dialect == Postgres {
			lock = " FOR UPDATE"
		}
		var pasteID, ownerID, count int64
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT id, user_id, view_count FROM pastes WHERE public_id = ?`+lock), publicID).
			Scan(&pasteID, &ownerID, &count)
		if err == sql.ErrNoRows {
			return domain.ErrPasteNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock paste")
		}
		if v.IdentityID != nil && *v.IdentityID == ownerID {
			res = domain.ViewResult{ViewCount: count, Outcome: domain.ViewOwner}
			return nil
		}
		since := utc(now.Add(-domain.DedupWindow))
		var q string
		var args []any
		if v.IdentityID != nil {
			q = `SELECT 1 FROM paste_views WHERE paste_id = ? AND user_id = ? AND viewed_at > ? LIMIT 1`
			args = []any{pasteID, *v.IdentityID, since}
		} else {
			q = `SELECT 1 FROM paste_views WHERE paste_id = ? AND viewer_ip = ? AND user_id IS NULL AND viewed_at > ? LIMIT 1`
			args = []any{pasteID, v.IP, since}
		}
		var one int
		err = tx.QueryRowContext(ctx, s.rebind(q), args...).Scan(&one)
		if err == nil {
			res = domain.ViewResult{ViewCount: count, Outcome: domain.ViewDuplicate}
			return nil
		}
		if err != sql.ErrNoRows {
			return errors.Wrap(err, "window lookup")
		}
		var viewer sql.NullInt64
		if v.IdentityID != nil {
			viewer = sql.NullInt64{Int64: *v.IdentityID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO paste_views (paste_id, viewer_ip, user_id, viewed_at) VALUES (?, ?, ?, ?)`),
			pasteID, v.IP, viewer, utc(now)); err != nil {
			return errors.Wrap(err, "insert view")
		}
		if err := tx.QueryRowContext(ctx, s.rebind(`UPDATE pastes SET view_count = view_count + 1 WHERE id = ? RETURNING view_count`), pasteID).
			Scan(&count); err != nil {
			return errors.Wrap(err, "increment view count")
		}
		res = domain.ViewResult{ViewCount: count, Outcome: domain.ViewCounted}
		return nil
	})
	s.br.record(err)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.ViewResult{}, err
		}
		return domain.ViewResult{}, domain.ErrViewNotRecorded.Because(err)
	}
	return res, nil
}

// ViewCount reads the stored counter without side effects.
func (s *Store) ViewCount(ctx context.Context, publicID string) (int64, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int64
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT view_count FROM pastes WHERE public_id = ?`), publicID).Scan(&n)
	s.br.record(err)
	if err == sql.ErrNoRows {
		return 0, domain.ErrPasteNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "view count")
	}
	return n, nil
}

// ViewEvents returns every event of a paste, oldest first.
func (s *Store) ViewEvents(ctx context.Context, pasteID int64) ([]domain.ViewEvent, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, paste_id, viewer_ip, user_id, viewed_at
	FROM paste_views WHERE paste_id = ? ORDER BY viewed_at, id`), pasteID)
	s.br.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "list views")
	}
	defer rows.Close()
	var out []domain.ViewEvent
	for rows.Next() {
		var e domain.ViewEvent
		var viewer sql.NullInt64
		if err := rows.Scan(&e.ID, &e.PasteID, &e.ViewerIP, &viewer, &e.ViewedAt); err != nil {
			return nil, errors.Wrap(err, "scan view")
		}
		if viewer.Valid {
			id := viewer.Int64
			e.IdentityID = &id
		}
		e.ViewedAt = e.ViewedAt.UTC()
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list views")
}
