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

type PasteLimits struct {
	MaxContentBytes int
	MaxTitleLength  int
}

type Pastes struct {
	db     *db.Store
	limits PasteLimits
	now    func() time.Time
}

func NewPastes(store *db.Store, limits PasteLimits) *Pastes {
	if store == nil {
		panic("paste service: nil store")
	}
	return &Pastes{db: store, limits: limits, now: time.Now}
}

// PasteInput mirrors a create or update body; nil marks an absent key.
type PasteInput struct {
	Title   *string
	Content *string
	Hidden  *bool
}

func (s *Pastes) Create(ctx context.Context, owner *domain.Identity, in PasteInput) (*domain.Paste, error) {
	if owner == nil {
		return nil, domain.ErrUnauthenticated
	}
	if in.Title == nil || in.Content == nil {
		return nil, domain.ErrContentRequired
	}
	title, content, err := s.clean(*in.Title, *in.Content)
	if err != nil {
		return nil, err
	}
	id, err := util.GenID(func(candidate string) (bool, error) {
		return s.db.PublicIDExists(ctx, candidate)
	})
	if err != nil {
		if errors.Is(err, util.ErrIDCollision) {
			util.Error().Err(err).Msg("public id space exhausted")
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, errors.Wrap(err, "generate public id")
	}
	now := s.now().UTC()
	p := &domain.Paste{
		PublicID:  id,
		Title:     title,
		Content:   content,
		Hidden:    in.Hidden != nil && *in.Hidden,
		OwnerID:   owner.ID,
		Username:  owner.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreatePaste(ctx, p); err != nil {
		return nil, err
	}
	metrics.PasteCreated.Inc()
	util.Debug().Str("paste_id", p.PublicID).Int64("user_id", owner.ID).
		Str("content", util.RedactPasteContent(p.Content)).Msg("paste created")
	return p, nil
}

// Get returns the paste if viewer may read it. Hidden pastes are 403 for
// everyone but their owner and admins.
func (s *Pastes) Get(ctx context.Context, viewer *domain.Identity, publicID string) (*domain.Paste, error) {
	p, err := s.db.PasteByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if !p.VisibleTo(viewer) {
		return nil, domain.ErrPasteHidden
	}
	return p, nil
}

func (s *Pastes) Update(ctx context.Context, who *domain.Identity, publicID string, in PasteInput) (*domain.Paste, error) {
	p, err := s.modifiable(ctx, who, publicID)
	if err != nil {
		return nil, err
	}
	patch := domain.PastePatch{Hidden: in.Hidden}
	if in.Title != nil || in.Content != nil {
		title, content := p.Title, p.Content
		if in.Title != nil {
			title = *in.Title
		}
		if in.Content != nil {
			content = *in.Content
		}
		title, content, err = s.clean(title, content)
		if err != nil {
			return nil, err
		}
		if in.Title != nil {
			patch.Title = &title
		}
		if in.Content != nil {
			patch.Content = &content
		}
	}
	if patch.Empty() {
		return nil, domain.ErrNoUpdateFields
	}
	if err := s.db.UpdatePaste(ctx, p.ID, patch, s.now()); err != nil {
		return nil, err
	}
	return s.db.PasteByPublicID(ctx, publicID)
}

func (s *Pastes) Delete(ctx context.Context, who *domain.Identity, publicID string) error {
	p, err := s.modifiable(ctx, who, publicID)
	if err != nil {
		return err
	}
	if err := s.db.DeletePaste(ctx, p.ID); err != nil {
		return err
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("paste_id", publicID).Int64("user_id", who.ID).Msg("paste deleted")
	return nil
}

func (s *Pastes) ListMine(ctx context.Context, who *domain.Identity) ([]*domain.Paste, error) {
	if who == nil {
		return nil, domain.ErrUnauthenticated
	}
	return s.db.ListPastesByOwner(ctx, who.ID)
}

func (s *Pastes) ListAll(ctx context.Context) ([]*domain.Paste, error) {
	return s.db.ListPastes(ctx)
}

// modifiable loads the paste and checks owner-or-admin, reporting 404 before 403.
func (s *Pastes) modifiable(ctx context.Context, who *domain.Identity, publicID string) (*domain.Paste, error) {
	if who == nil {
		return nil, domain.ErrUnauthenticated
	}
	p, err := s.db.PasteByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if !who.CanAccess(p) {
		return nil, domain.ErrNotOwner
	}
	return p, nil
}

func (s *Pastes) clean(title, content string) (string, string, error) {
	if s.limits.MaxContentBytes > 0 && len(content) > s.limits.MaxContentBytes {
		return "", "", domain.ErrPasteTooLarge
	}
	title = cleanText(title)
	content = cleanText(content)
	if s.limits.MaxTitleLength > 0 && len([]rune(title)) > s.limits.MaxTitleLength {
		return "", "", domain.ErrTitleTooLong
	}
	return title, content, nil
}
