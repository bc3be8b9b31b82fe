package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"snipserve/pkg/domain"

	"github.com/pkg/errors"
)

const pasteSelect = `SELECT p.id, p.public_id, p.title, p.content, p.hidden, p.view_count, p.user_id,
	COALESCE(u.username, ''), p.created_at, p.updated_at
	FROM pastes p LEFT JOIN users u ON u.id = p.user_id`

func scanPaste(row interface{ Scan(...any) error }) (*domain.Paste, error) {
	var p domain.Paste
	err := row.Scan(&p.ID, &p.PublicID, &p.Title, &p.Content, &p.Hidden, &p.ViewCount, &p.OwnerID,
		&p.Username, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// PublicIDExists backs the collision check of public id generation.
func (s *Store) PublicIDExists(ctx context.Context, publicID string) (bool, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM pastes WHERE public_id = ?`), publicID).Scan(&one)
	s.br.record(err)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}

// CreatePaste inserts p and sets its ID.
func (s *Store) CreatePaste(ctx context.Context, p *domain.Paste) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := s.rebind(`INSERT INTO pastes (public_id, title, content, hidden, view_count, user_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, ?, ?, ?) RETURNING id`)
	err = s.db.QueryRowContext(ctx, q, p.PublicID, p.Title, p.Content, p.Hidden, p.OwnerID,
		utc(p.CreatedAt), utc(p.UpdatedAt)).Scan(&p.ID)
	s.br.record(err)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict(err)
		}
		return errors.Wrap(err, "db create paste")
	}
	return nil
}

func (s *Store) PasteByPublicID(ctx context.Context, publicID string) (*domain.Paste, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(ctx, s.rebind(pasteSelect+` WHERE p.public_id = ?`), publicID))
	s.br.record(err)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

// ListPastes returns every paste in insertion order.
func (s *Store) ListPastes(ctx context.Context) ([]*domain.Paste, error) {
	return s.listPastes(ctx, pasteSelect+` ORDER BY p.id`)
}

func (s *Store) ListPastesByOwner(ctx context.Context, ownerID int64) ([]*domain.Paste, error) {
	return s.listPastes(ctx, pasteSelect+` WHERE p.user_id = ? ORDER BY p.id`, ownerID)
}

func (s *Store) listPastes(ctx context.Context, q string, args ...any) ([]*domain.Paste, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	s.br.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list pastes")
}

// UpdatePaste applies the non-nil fields of patch and bumps updated_at.
func (s *Store) UpdatePaste(ctx context.Context, id int64, patch domain.PastePatch, now time.Time) error {
	if patch.Empty() {
		return domain.ErrNoUpdateFields
	}
	sets := []string{"updated_at = ?"}
	args := []any{utc(now)}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Hidden != nil {
		sets = append(sets, "hidden = ?")
		args = append(args, *patch.Hidden)
	}
	args = append(args, id)
	return s.execOne(ctx, "update paste", `UPDATE pastes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, domain.ErrPasteNotFound, args...)
}

// DeletePaste removes the paste; its view events go with it.
func (s *Store) DeletePaste(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete paste", `DELETE FROM pastes WHERE id = ?`, domain.ErrPasteNotFound, id)
}
