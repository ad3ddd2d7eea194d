package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Reauth audit terminal states.
const (
	ReauthSuccess = "success"
	ReauthFailed  = "failed"
	ReauthSkipped = "skipped"
)

// Job is one queued unit of publish work. Rows are created by the producer API
// and mutated only by the worker; this subsystem never deletes them.
type Job struct {
	ID          string         `json:"id"`
	Account     string         `json:"account"`
	Type        string         `json:"type"`
	MediaPath   string         `json:"media_path"`
	Metadata    map[string]any `json:"metadata"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      string         `json:"status"`
	LastError   *string        `json:"last_error,omitempty"`
	ExternalID  *string        `json:"external_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Account holds the OAuth grant for one publishing channel.
type Account struct {
	Name         string    `json:"name"`
	AccessToken  string    `json:"-"`
	RefreshToken *string   `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`
	ClientID     string    `json:"-"`
	ClientSecret string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AutomationCredential carries the secrets needed to drive the login UI for an
// account. Stored apart from Account: higher sensitivity, independent lifecycle.
type AutomationCredential struct {
	Account       string     `json:"account"`
	LoginEmail    string     `json:"-"`
	LoginSecret   string     `json:"-"`
	TOTPSeed      *string    `json:"-"`
	BackupCodes   *string    `json:"-"`
	ProxyURL      *string    `json:"-"`
	ProfileDir    string     `json:"profile_dir"`
	Enabled       bool       `json:"enabled"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// ReauthAudit is an append-only record of one re-authentication attempt.
// Created at dispatch time, completed exactly once.
type ReauthAudit struct {
	ID          string         `json:"id"`
	Account     string         `json:"account"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      string         `json:"status"`
	Error       *string        `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
