package api

import (
	"context"
	"net/http"
	"time"

	"snipserve/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Sessions string `json:"sessions"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready pings the database and, when sessions live in Redis, Redis.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Database: "up", Sessions: "memory"}

	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.db.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Ready = false
	}
	if s.rdb != nil {
		resp.Sessions = "up"
		rCtx, rCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer rCancel()
		if err := s.rdb.Ping(rCtx); err != nil {
			util.Error().Err(err).Msg("redis health check failed")
			resp.Sessions = "down"
			resp.Ready = false
		}
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
