package api

import (
	"context"
	"net/http"
	"time"

	"snipserve/cfg"
	"snipserve/svc/auth"
	"snipserve/svc/db"
	"snipserve/svc/svc"
	"snipserve/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Deps are the collaborators the HTTP layer routes to. Redis may be nil.
type Deps struct {
	Cfg       *cfg.Cfg
	Store     *db.Store
	Redis     *db.Redis
	Auth      *auth.Authenticator
	Accounts  *svc.Accounts
	Pastes    *svc.Pastes
	Views     *svc.Views
	Analytics *svc.Analytics
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	s := &Server{cfg: d.Cfg, db: d.Store, rdb: d.Redis}
	r := chi.NewRouter()
	mw := NewMw(d.Cfg)
	r.Use(mw.Recoverer)

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))

	hdl := &Hdl{
		auth:      d.Auth,
		accounts:  d.Accounts,
		pastes:    d.Pastes,
		views:     d.Views,
		analytics: d.Analytics,
		maxBody:   int64(d.Cfg.MaxPasteSize) + bodyOverhead,
	}
	a := d.Auth
	r.Route("/api", func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Duration)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)

		r.Post("/users", hdl.Register)
		r.Post("/sessions", hdl.Login)
		r.With(a.RequireSession).Delete("/sessions", hdl.Logout)

		r.Route("/me", func(r chi.Router) {
			r.With(a.RequireAny).Get("/", hdl.Me)
			r.With(a.RequireAny).Get("/pastes", hdl.MyPastes)
			r.With(a.RequireSession).Get("/api-key", hdl.GetAPIKey)
			r.With(a.RequireSession).Post("/api-key", hdl.RotateAPIKey)
		})
		r.With(a.RequireAPIKey).Get("/api-key/identity", hdl.Me)

		r.Route("/pastes", func(r chi.Router) {
			r.With(a.RequireAny).Post("/", hdl.CreatePaste)
			r.Route("/{id}", func(r chi.Router) {
				r.With(a.Optional).Get("/", hdl.GetPaste)
				r.With(a.RequireAny).Put("/", hdl.UpdatePaste)
				r.With(a.RequireAny).Delete("/", hdl.DeletePaste)
				r.With(a.Optional).Post("/views", hdl.RecordView)
				r.With(a.Optional).Get("/views", hdl.ViewCount)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.RequireAny, a.RequireAdmin)
			r.Get("/users", hdl.AdminListUsers)
			r.Post("/users", hdl.AdminCreateUser)
			r.Get("/users/{username}", hdl.AdminGetUser)
			r.Put("/users/{username}", hdl.AdminUpdateUser)
			r.Delete("/users/{username}", hdl.AdminDeleteUser)
			r.Get("/pastes", hdl.AdminListPastes)
			r.Get("/analytics", hdl.AnalyticsAll)
			r.Get("/analytics/{id}", hdl.AnalyticsPaste)
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + d.Cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
