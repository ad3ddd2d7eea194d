package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"channel-publisher/internal/config"
	"channel-publisher/internal/ratelimit"
	"channel-publisher/internal/store"
	"channel-publisher/internal/telemetry"
)

// Server wires HTTP handlers for the publishing API.
type Server struct {
	cfg   config.Config
	store *store.Store
	quota *ratelimit.UploadQuota
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, quota *ratelimit.UploadQuota) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		quota: quota,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/accounts", s.handleListAccounts)
	r.Get("/accounts/{name}/reauth", s.handleLatestReauth)
	r.Post("/admin/reset-stale", s.handleResetStale)
	return r
}

type createJobRequest struct {
	Account      string         `json:"account"`
	Type         string         `json:"type"`
	MediaPath    string         `json:"media_path"`
	Metadata     map[string]any `json:"metadata"`
	ScheduledAt  *time.Time     `json:"scheduled_at"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}
	if req.MediaPath == "" {
		http.Error(w, "media_path is required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetAccount(r.Context(), req.Account); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown account", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	scheduledAt := time.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	if req.DelaySeconds > 0 {
		scheduledAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	if s.quota != nil {
		allowed, _, err := s.quota.Allow(r.Context(), req.Account)
		if err != nil {
			http.Error(w, "quota check failed", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.QuotaRejects.Inc()
			http.Error(w, "upload quota exhausted for account", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Account:     req.Account,
		Type:        req.Type,
		MediaPath:   req.MediaPath,
		Metadata:    req.Metadata,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListAccounts exposes account health without token material.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type accountView struct {
		Name        string    `json:"name"`
		Enabled     bool      `json:"enabled"`
		TokenExpiry time.Time `json:"token_expiry"`
		HasRefresh  bool      `json:"has_refresh_token"`
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			Name:        a.Name,
			Enabled:     a.Enabled,
			TokenExpiry: a.TokenExpiry,
			HasRefresh:  a.RefreshToken != nil && *a.RefreshToken != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) handleLatestReauth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	audit, err := s.store.LatestReauthAudit(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// handleResetStale requeues jobs stuck in processing, for operators cleaning
// up after a crashed worker.
func (s *Server) handleResetStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetStaleProcessing(r.Context(), s.cfg.StaleProcessingAge)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
