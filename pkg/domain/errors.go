package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the coarse error taxonomy every failure is reduced to at the request boundary.
type Kind string

const (
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindInternal        Kind = "INTERNAL"
)

var (
	ErrInvalidInput    = newKindErr(KindInvalidInput, "invalid input", http.StatusBadRequest)
	ErrUnauthenticated = newKindErr(KindUnauthenticated, "authentication required", http.StatusUnauthorized)
	ErrForbidden       = newKindErr(KindForbidden, "forbidden", http.StatusForbidden)
	ErrNotFound        = newKindErr(KindNotFound, "not found", http.StatusNotFound)
	ErrConflict        = newKindErr(KindConflict, "conflict", http.StatusConflict)
	ErrInternal        = newKindErr(KindInternal, "internal error", http.StatusInternalServerError)

	ErrContentRequired    = NewErr(KindInvalidInput, "CONTENT_REQUIRED", "title and content are required", http.StatusBadRequest)
	ErrPasteTooLarge      = NewErr(KindInvalidInput, "PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrTitleTooLong       = NewErr(KindInvalidInput, "TITLE_TOO_LONG", "title too long", http.StatusBadRequest)
	ErrNoUpdateFields     = NewErr(KindInvalidInput, "NO_UPDATE_FIELDS", "no valid fields provided for update", http.StatusBadRequest)
	ErrUsernameRequired   = NewErr(KindInvalidInput, "USERNAME_REQUIRED", "username cannot be empty", http.StatusBadRequest)
	ErrUsernameTooLong    = NewErr(KindInvalidInput, "USERNAME_TOO_LONG", "username too long", http.StatusBadRequest)
	ErrPasswordTooShort   = NewErr(KindInvalidInput, "PASSWORD_TOO_SHORT", "password must be at least 6 characters long", http.StatusBadRequest)
	ErrPasswordTooLong    = NewErr(KindInvalidInput, "PASSWORD_TOO_LONG", "password too long", http.StatusBadRequest)
	ErrInvalidCredentials = NewErr(KindUnauthenticated, "INVALID_CREDENTIALS", "invalid credentials", http.StatusUnauthorized)
	ErrInvalidAPIKey      = NewErr(KindUnauthenticated, "INVALID_API_KEY", "invalid API key", http.StatusUnauthorized)
	ErrAPIKeyRequired     = NewErr(KindUnauthenticated, "API_KEY_REQUIRED", "API key required", http.StatusUnauthorized)
	ErrSessionRequired    = NewErr(KindUnauthenticated, "SESSION_REQUIRED", "login required", http.StatusUnauthorized)
	ErrInvalidInvite      = NewErr(KindForbidden, "INVALID_INVITE_CODE", "invalid invite code", http.StatusForbidden)
	ErrAdminRequired      = NewErr(KindForbidden, "ADMIN_REQUIRED", "admin access required", http.StatusForbidden)
	ErrNotOwner           = NewErr(KindForbidden, "NOT_OWNER", "you can only modify your own pastes", http.StatusForbidden)
	ErrPasteHidden        = NewErr(KindForbidden, "PASTE_HIDDEN", "paste is hidden", http.StatusForbidden)
	ErrPasteNotFound      = NewErr(KindNotFound, "PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrUserNotFound       = NewErr(KindNotFound, "USER_NOT_FOUND", "user not found", http.StatusNotFound)
	ErrUsernameTaken      = NewErr(KindConflict, "USERNAME_EXISTS", "username already exists", http.StatusConflict)
	ErrViewNotRecorded    = NewErr(KindInternal, "VIEW_NOT_RECORDED", "failed to update view count", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr(KindInternal, "ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrServerBusy         = NewErr(KindInternal, "SERVER_BUSY", "server busy, retry later", http.StatusServiceUnavailable)
)

type Err struct {
	Kind   Kind   `json:"-"`
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	kind   bool
}

func (e *Err) Error() string { return e.Msg }

// Is lets a specific sentinel match its generic kind, so errors.Is(ErrPasteNotFound, ErrNotFound) holds.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return t.kind && t.Kind == e.Kind
}

func NewErr(kind Kind, code, msg string, status int) *Err {
	return &Err{Kind: kind, Code: code, Msg: msg, Status: status}
}

func newKindErr(kind Kind, msg string, status int) *Err {
	return &Err{Kind: kind, Code: string(kind), Msg: msg, Status: status, kind: true}
}

// Because attaches the underlying failure to e. The result matches both e and
// cause through errors.Is and errors.As.
func (e *Err) Because(cause error) error {
	if cause == nil {
		return e
	}
	return &causedErr{err: e, cause: cause}
}

type causedErr struct {
	err   *Err
	cause error
}

func (c *causedErr) Error() string   { return c.err.Msg + ": " + c.cause.Error() }
func (c *causedErr) Unwrap() []error { return []error{c.err, c.cause} }

// ErrResp is the JSON body of every failed request.
type ErrResp struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: e.Msg, Code: e.Code}
	}
	return ErrResp{Error: ErrInternal.Msg, Code: ErrInternal.Code}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

func KindOf(err error) Kind {
	if e, ok := asErr(err); ok {
		return e.Kind
	}
	return KindInternal
}
