package svc

import (
	"context"
	"crypto/subtle"
	"time"

	"snipserve/metrics"
	"snipserve/pkg/domain"
	"snipserve/svc/auth"
	"snipserve/svc/db"
	"snipserve/svc/util"

	"github.com/pkg/errors"
)

type Accounts struct {
	db     *db.Store
	hasher *auth.Hasher
	invite []byte
	now    func() time.Time
}

func NewAccounts(store *db.Store, h *auth.Hasher, inviteCode string) *Accounts {
	if store == nil || h == nil {
		panic("accounts service: nil dependency (store or hasher)")
	}
	return &Accounts{db: store, hasher: h, invite: []byte(inviteCode), now: time.Now}
}

type RegisterInput struct {
	Username   string
	Password   string
	InviteCode string
}

// Register validates input (400), then username availability (409), then the
// invite code (403), and creates a non-admin identity with a fresh API key.
func (a *Accounts) Register(ctx context.Context, in RegisterInput) (*domain.Identity, error) {
	username := cleanUsername(in.Username)
	if username == "" || in.Password == "" || in.InviteCode == "" {
		return nil, domain.ErrInvalidInput
	}
	if len(username) > domain.MaxUsernameLength {
		return nil, domain.ErrUsernameTooLong
	}
	if len(in.Password) > auth.MaxPasswordLength {
		return nil, domain.ErrPasswordTooLong
	}
	if err := a.ensureFree(ctx, username, 0); err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(in.InviteCode), a.invite) != 1 {
		return nil, domain.ErrInvalidInvite
	}
	u, err := a.create(ctx, username, in.Password, false)
	if err != nil {
		return nil, err
	}
	metrics.Registrations.Inc()
	util.Info().Int64("user_id", u.ID).Str("username", u.Username).Msg("account registered")
	return u, nil
}

// Login never reports a 5xx for a credential problem: unknown users and wrong
// passwords both yield ErrInvalidCredentials.
func (a *Accounts) Login(ctx context.Context, username, password string) (*domain.Identity, error) {
	username = cleanUsername(username)
	if username == "" || password == "" {
		return nil, domain.ErrInvalidInput
	}
	u, err := a.db.UserByUsername(ctx, username)
	if errors.Is(err, domain.ErrUserNotFound) {
		a.hasher.DummyVerify(password)
		metrics.Logins.WithLabelValues("unknown_user").Inc()
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "login lookup")
	}
	ok, rehash := a.hasher.Verify(password, u.PasswordHash)
	if !ok {
		metrics.Logins.WithLabelValues("bad_password").Inc()
		return nil, domain.ErrInvalidCredentials
	}
	if rehash {
		a.upgradeHash(ctx, u, password)
	}
	metrics.Logins.WithLabelValues("ok").Inc()
	return u, nil
}

// upgradeHash replaces a legacy or outdated hash. Failure is logged and the
// login still succeeds.
func (a *Accounts) upgradeHash(ctx context.Context, u *domain.Identity, password string) {
	h, err := a.hasher.Hash(ctx, password)
	if err == nil {
		err = a.db.UpdateUser(ctx, u.ID, domain.UserPatch{PasswordHash: &h})
	}
	if err != nil {
		util.Warn().Err(err).Int64("user_id", u.ID).Msg("password rehash failed")
		return
	}
	u.PasswordHash = h
	util.Info().Int64("user_id", u.ID).Msg("password hash upgraded")
}

// RotateAPIKey issues a new key; the previous one stops working immediately.
func (a *Accounts) RotateAPIKey(ctx context.Context, who *domain.Identity) (string, error) {
	key, err := util.NewAPIKey()
	if err != nil {
		return "", errors.Wrap(err, "generate api key")
	}
	if err := a.db.SetAPIKey(ctx, who.ID, key); err != nil {
		return "", err
	}
	metrics.APIKeyRotations.Inc()
	util.Info().Int64("user_id", who.ID).Str("key", util.RedactToken(key)).Msg("api key rotated")
	return key, nil
}

func (a *Accounts) ListUsers(ctx context.Context) ([]*domain.Identity, error) {
	return a.db.ListUsers(ctx)
}

func (a *Accounts) GetUser(ctx context.Context, username string) (*domain.Identity, error) {
	return a.db.UserByUsername(ctx, username)
}

type AdminCreateInput struct {
	Username string
	Password string
	IsAdmin  bool
}

func (a *Accounts) CreateUser(ctx context.Context, in AdminCreateInput) (*domain.Identity, error) {
	username := cleanUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, domain.ErrInvalidInput
	}
	if len(username) > domain.MaxUsernameLength {
		return nil, domain.ErrUsernameTooLong
	}
	if err := a.ensureFree(ctx, username, 0); err != nil {
		return nil, err
	}
	if len(in.Password) < domain.MinPasswordLength {
		return nil, domain.ErrPasswordTooShort
	}
	if len(in.Password) > auth.MaxPasswordLength {
		return nil, domain.ErrPasswordTooLong
	}
	return a.create(ctx, username, in.Password, in.IsAdmin)
}

// UserUpdate carries the fields an admin may change; nil means untouched.
type UserUpdate struct {
	Username *string
	Password *string
	IsAdmin  *bool
}

func (a *Accounts) UpdateUser(ctx context.Context, username string, in UserUpdate) (*domain.Identity, error) {
	target, err := a.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if in.Username == nil && in.Password == nil && in.IsAdmin == nil {
		return nil, domain.ErrNoUpdateFields
	}
	var patch domain.UserPatch
	if in.Username != nil {
		name := cleanUsername(*in.Username)
		if name == "" {
			return nil, domain.ErrUsernameRequired
		}
		if len(name) > domain.MaxUsernameLength {
			return nil, domain.ErrUsernameTooLong
		}
		if err := a.ensureFree(ctx, name, target.ID); err != nil {
			return nil, err
		}
		patch.Username = &name
	}
	if in.Password != nil {
		if len(*in.Password) < domain.MinPasswordLength {
			return nil, domain.ErrPasswordTooShort
		}
		if len(*in.Password) > auth.MaxPasswordLength {
			return nil, domain.ErrPasswordTooLong
		}
		h, err := a.hash(ctx, *in.Password)
		if err != nil {
			return nil, err
		}
		patch.PasswordHash = &h
	}
	patch.IsAdmin = in.IsAdmin
	if err := a.db.UpdateUser(ctx, target.ID, patch); err != nil {
		return nil, err
	}
	return a.db.UserByID(ctx, target.ID)
}

func (a *Accounts) DeleteUser(ctx context.Context, username string) error {
	target, err := a.db.UserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := a.db.DeleteUser(ctx, target.ID); err != nil {
		return err
	}
	util.Info().Int64("user_id", target.ID).Msg("account deleted")
	return nil
}

// EnsureAdmin creates the bootstrap admin account when no user has that name.
func (a *Accounts) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	_, err := a.db.UserByUsername(ctx, username)
	if err == nil {
		util.Info().Str("username", username).Msg("admin user already exists")
		return false, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return false, err
	}
	if password == "" {
		util.Warn().Str("username", username).Msg("ADMIN_PASSWORD empty, default admin not created")
		return false, nil
	}
	if _, err := a.create(ctx, username, password, true); err != nil {
		if errors.Is(err, domain.ErrUsernameTaken) {
			return false, nil
		}
		return false, err
	}
	util.Info().Str("username", username).Msg("default admin user created")
	return true, nil
}

// ensureFree reports ErrUsernameTaken when username belongs to someone other than self.
func (a *Accounts) ensureFree(ctx context.Context, username string, self int64) error {
	u, err := a.db.UserByUsername(ctx, username)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.ID == self {
		return nil
	}
	return domain.ErrUsernameTaken
}

func (a *Accounts) create(ctx context.Context, username, password string, admin bool) (*domain.Identity, error) {
	h, err := a.hash(ctx, password)
	if err != nil {
		return nil, err
	}
	key, err := util.NewAPIKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate api key")
	}
	u := &domain.Identity{
		Username:     username,
		PasswordHash: h,
		APIKey:       key,
		IsAdmin:      admin,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.db.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// hash maps hasher failures onto the error taxonomy.
func (a *Accounts) hash(ctx context.Context, password string) (string, error) {
	h, err := a.hasher.Hash(ctx, password)
	return h, hashFailure(err)
}

func hashFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrPasswordTooLong):
		return domain.ErrPasswordTooLong
	case errors.Is(err, auth.ErrHashQueueFull):
		util.Warn().Msg("password hash queue full")
		return domain.ErrServerBusy
	default:
		return errors.Wrap(err, "hash password")
	}
}
