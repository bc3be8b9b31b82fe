package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"snipserve/metrics"
	"snipserve/pkg/domain"
	"snipserve/svc/util"

	"github.com/pkg/errors"
)

const (
	SessionCookie = "snipserve_session"
	APIKeyHeader  = "X-API-Key"
	APIKeyParam   = "api_key"
)

type Method string

const (
	MethodNone    Method = "none"
	MethodSession Method = "session"
	MethodAPIKey  Method = "api_key"
)

// Credentials is the part of the credential store the authenticator reads.
type Credentials interface {
	UserByID(ctx context.Context, id int64) (*domain.Identity, error)
	UserByAPIKey(ctx context.Context, key string) (*domain.Identity, error)
}

// ErrorWriter renders a rejection. The HTTP layer supplies it so policies
// answer in the same shape as handlers.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

type Opts struct {
	SessionTTL   time.Duration
	SecureCookie bool
}

// Authenticator resolves a request to an identity from its session cookie or
// its API key, and provides the access policies as middleware.
type Authenticator struct {
	creds    Credentials
	sessions SessionStore
	writeErr ErrorWriter
	opts     Opts
}

func NewAuthenticator(creds Credentials, sessions SessionStore, writeErr ErrorWriter, o Opts) *Authenticator {
	return &Authenticator{creds: creds, sessions: sessions, writeErr: writeErr, opts: o}
}

type ctxKey int

const (
	identityKey ctxKey = iota
	methodKey
)

// WithIdentity stores the current identity on ctx.
func WithIdentity(ctx context.Context, i *domain.Identity, m Method) context.Context {
	ctx = context.WithValue(ctx, identityKey, i)
	return context.WithValue(ctx, methodKey, m)
}

// FromContext returns the current identity, or nil for anonymous requests.
func FromContext(ctx context.Context) *domain.Identity {
	i, _ := ctx.Value(identityKey).(*domain.Identity)
	return i
}

func MethodFromContext(ctx context.Context) Method {
	if m, ok := ctx.Value(methodKey).(Method); ok {
		return m
	}
	return MethodNone
}

// BySession resolves the session cookie. A session whose identity was
// deleted resolves to nothing.
func (a *Authenticator) BySession(r *http.Request) (*domain.Identity, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	id, ok, err := a.sessions.Get(r.Context(), c.Value)
	if err != nil {
		return nil, errors.Wrap(err, "session lookup")
	}
	if !ok {
		return nil, nil
	}
	u, err := a.creds.UserByID(r.Context(), id)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// PresentedKey returns the API key from the X-API-Key header, falling back to
// the api_key query parameter only when the header is absent. A present but
// empty header counts as no key.
func PresentedKey(r *http.Request) string {
	if v, ok := r.Header[http.CanonicalHeaderKey(APIKeyHeader)]; ok {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return r.URL.Query().Get(APIKeyParam)
}

// ByAPIKey returns (nil, nil) when no key was presented and
// ErrInvalidAPIKey when the key matches no identity.
func (a *Authenticator) ByAPIKey(r *http.Request) (*domain.Identity, error) {
	key := PresentedKey(r)
	if key == "" {
		return nil, nil
	}
	u, err := a.creds.UserByAPIKey(r.Context(), key)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(u.APIKey), []byte(key)) != 1 {
		return nil, domain.ErrInvalidAPIKey
	}
	return u, nil
}

// Resolve tries the session first and then the API key. A failing session
// store does not block a valid key; its error is returned only when no key
// resolves either.
func (a *Authenticator) Resolve(r *http.Request) (*domain.Identity, Method, error) {
	u, sessErr := a.BySession(r)
	if sessErr != nil {
		util.Warn().Err(sessErr).Str("request_id", util.GetRequestID(r.Context())).Msg("session lookup failed")
	}
	if u != nil {
		return u, MethodSession, nil
	}
	u, err := a.ByAPIKey(r)
	if u != nil {
		return u, MethodAPIKey, nil
	}
	if sessErr != nil {
		return nil, MethodNone, sessErr
	}
	if err != nil {
		return nil, MethodNone, err
	}
	return nil, MethodNone, nil
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, policy string, err error) {
	metrics.AuthFailures.WithLabelValues(policy).Inc()
	util.Debug().
		Str("request_id", util.GetRequestID(r.Context())).
		Str("policy", policy).
		Str("ip", util.RedactIP(r.RemoteAddr)).
		Err(err).
		Msg("request rejected")
	a.writeErr(w, r, err)
}

// RequireAny admits a valid session or a valid API key.
func (a *Authenticator) RequireAny(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, m, err := a.Resolve(r)
		if err != nil && !errors.Is(err, domain.ErrInvalidAPIKey) {
			a.writeErr(w, r, err)
			return
		}
		if u == nil {
			a.reject(w, r, "any", domain.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), u, m)))
	})
}

// RequireAPIKey admits only a valid API key, ignoring any session.
func (a *Authenticator) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.ByAPIKey(r)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidAPIKey) {
				a.reject(w, r, "api_key", err)
				return
			}
			a.writeErr(w, r, err)
			return
		}
		if u == nil {
			a.reject(w, r, "api_key", domain.ErrAPIKeyRequired)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), u, MethodAPIKey)))
	})
}

// RequireSession admits only a logged-in session. Key rotation and logout
// use it so an API key cannot be used to replace itself.
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := a.BySession(r)
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		if u == nil {
			a.reject(w, r, "session", domain.ErrSessionRequired)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), u, MethodSession)))
	})
}

// Optional attaches an identity when one resolves and never rejects.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, m, err := a.Resolve(r)
		if err != nil && !errors.Is(err, domain.ErrInvalidAPIKey) {
			util.Warn().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("optional auth lookup failed")
		}
		if u == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), u, m)))
	})
}

// RequireAdmin must run after a policy that sets the identity.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := FromContext(r.Context())
		if u == nil {
			a.reject(w, r, "admin", domain.ErrUnauthenticated)
			return
		}
		if !u.IsAdmin {
			a.reject(w, r, "admin", domain.ErrAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartSession creates a server-side session and sets its cookie.
func (a *Authenticator) StartSession(w http.ResponseWriter, r *http.Request, identityID int64) error {
	tok, err := a.sessions.Create(r.Context(), identityID)
	if err != nil {
		return errors.Wrap(err, "create session")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.opts.SessionTTL.Seconds()),
	})
	return nil
}

// EndSession deletes the session named by the request cookie and clears it.
func (a *Authenticator) EndSession(w http.ResponseWriter, r *http.Request) error {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		if err := a.sessions.Delete(r.Context(), c.Value); err != nil {
			return errors.Wrap(err, "delete session")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	return nil
}
