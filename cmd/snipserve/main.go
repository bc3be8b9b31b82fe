package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"snipserve/cfg"
	"snipserve/pkg/secrets"
	"snipserve/svc/api"
	"snipserve/svc/auth"
	"snipserve/svc/db"
	"snipserve/svc/svc"
	"snipserve/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(probe())
	}

	util.InitLog(util.LogOpts{Level: "info"})
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	logCloser := util.InitLog(util.LogOpts{
		Level:      c.LogLevel,
		Dev:        c.Environment == "development",
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	})
	defer logCloser.Close()
	util.Info().Str("environment", c.Environment).Msg("starting snipserve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sec, err := secrets.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets adapter")
	}
	util.Info().Str("sources", sec.Describe()).Msg("secrets adapter ready")

	pepper := []byte(c.Pepper.Value())
	if c.PepperFromSecrets {
		v, err := sec.GetSecret(ctx, "pepper")
		if err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load pepper")
		}
		pepper = []byte(v)
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		util.Fatal().Int("length", len(pepper)).Msg("CRITICAL: pepper too short, must be >= 32 bytes")
	}
	adminPassword := c.AdminPassword.Value()
	if c.AdminPasswordFromSecrets {
		if adminPassword, err = sec.GetSecret(ctx, "admin-password"); err != nil {
			util.Fatal().Err(err).Msg("failed to load admin password")
		}
	}

	store, err := db.Open(ctx, c.DatabaseDriver, c.DatabaseDSN, db.Opts{
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
	})
	if err != nil {
		util.Wipe(pepper)
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()
	util.Info().Str("dialect", store.Dialect().String()).Msg("database initialized")

	var rdb *db.Redis
	var sessions auth.SessionStore
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(ctx, c)
		if err != nil {
			util.Fatal().Err(err).Msg("redis configured but unreachable")
		}
		defer rdb.Close()
		sessions = auth.NewRedisSessions(rdb.Client(), c.SessionTTL, rdb.Timeout())
		util.Info().Msg("sessions stored in redis")
	} else {
		mem, err := auth.NewMemorySessions(c.SessionStoreSize, c.SessionTTL)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create session store")
		}
		mem.StartSweeper(time.Minute)
		defer mem.Stop()
		sessions = mem
		util.Info().Int("size", c.SessionStoreSize).Msg("sessions stored in memory")
	}

	hasher, err := auth.NewHasher(auth.HasherOpts{
		Time:        c.Argon2Time,
		Memory:      c.Argon2Memory,
		Parallelism: c.Argon2Parallelism,
		Pepper:      pepper,
	})
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	accounts := svc.NewAccounts(store, hasher, c.InviteCode.Value())
	if _, err := accounts.EnsureAdmin(ctx, c.AdminUsername, adminPassword); err != nil {
		util.Fatal().Err(err).Msg("failed to bootstrap admin user")
	}

	server := api.NewServer(api.Deps{
		Cfg:      c,
		Store:    store,
		Redis:    rdb,
		Auth:     auth.NewAuthenticator(store, sessions, api.WriteErr, auth.Opts{SessionTTL: c.SessionTTL, SecureCookie: c.SessionCookieSecure}),
		Accounts: accounts,
		Pastes: svc.NewPastes(store, svc.PasteLimits{
			MaxContentBytes: c.MaxPasteSize,
			MaxTitleLength:  c.MaxTitleLength,
		}),
		Views:     svc.NewViews(store),
		Analytics: svc.NewAnalytics(store, c.AnalyticsConcurrency),
	})

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		store.RunWALMaintenance(ctx, 0)
	}()

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	walDone := make(chan struct{})
	go func() {
		bg.Wait()
		close(walDone)
	}()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(35 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// probe checks the local liveness endpoint, for container health checks.
func probe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
