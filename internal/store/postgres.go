package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-publisher/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the only resource shared
// between the worker and spawned reauth processes; every write is an
// idempotent upsert or an absolute SET so retries are safe.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a publish job.
type CreateJobParams struct {
	Account     string
	Type        string
	MediaPath   string
	Metadata    map[string]any
	ScheduledAt time.Time
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Type == "" {
		p.Type = "video"
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, account, type, media_path, metadata, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Account, p.Type, p.MediaPath, metaJSON, p.ScheduledAt, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Account:     p.Account,
		Type:        p.Type,
		MediaPath:   p.MediaPath,
		Metadata:    p.Metadata,
		ScheduledAt: p.ScheduledAt,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, account, type, media_path, metadata, scheduled_at, status, last_error, external_id, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var metaJSON []byte
	var lastErr, extID pgtype.Text

	if err := row.Scan(&job.ID, &job.Account, &job.Type, &job.MediaPath, &metaJSON, &job.ScheduledAt,
		&job.Status, &lastErr, &extID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.ExternalID = textPtr(extID)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FetchPending returns all due pending jobs, oldest schedule first.
func (s *Store) FetchPending(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
	`, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing transitions pending->processing. The WHERE clause makes the
// database the arbiter: at most one caller observes claimed=true for a job.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records success and the provider-assigned external id.
func (s *Store) MarkCompleted(ctx context.Context, id, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, external_id = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, externalID)
	return err
}

// MarkFailed records a terminal failure with the error text stored verbatim.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// ResetForRetry returns a job to pending with the failure recorded and the
// next attempt pushed out to runAt.
func (s *Store) ResetForRetry(ctx context.Context, id, lastError string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, scheduled_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPending, lastError, runAt)
	return err
}

// ResetStaleProcessing sweeps jobs stuck in processing (worker crash) back to
// pending. Returns how many rows were reset.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval
	`, models.StatusPending, models.StatusProcessing, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAccount fetches a channel account by name.
func (s *Store) GetAccount(ctx context.Context, name string) (models.Account, error) {
	var a models.Account
	var refresh pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT name, access_token, refresh_token, token_expiry, client_id, client_secret, enabled, updated_at
		FROM accounts WHERE name = $1
	`, name).Scan(&a.Name, &a.AccessToken, &refresh, &a.TokenExpiry, &a.ClientID, &a.ClientSecret, &a.Enabled, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.RefreshToken = textPtr(refresh)
	return a, nil
}

// ListAccounts returns all accounts, enabled or not.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, access_token, refresh_token, token_expiry, client_id, client_secret, enabled, updated_at
		FROM accounts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		var refresh pgtype.Text
		if err := rows.Scan(&a.Name, &a.AccessToken, &refresh, &a.TokenExpiry, &a.ClientID, &a.ClientSecret, &a.Enabled, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.RefreshToken = textPtr(refresh)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateTokens writes a fresh grant for the account. A nil refresh token never
// overwrites a stored one: providers omit the refresh token on repeat grants.
func (s *Store) UpdateTokens(ctx context.Context, name, accessToken string, refreshToken *string, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET access_token = $2,
		    refresh_token = COALESCE($3, refresh_token),
		    token_expiry = $4,
		    updated_at = NOW()
		WHERE name = $1
	`, name, accessToken, refreshToken, expiry)
	return err
}

// GetAutomationCredential fetches the login-automation secrets for an account.
func (s *Store) GetAutomationCredential(ctx context.Context, account string) (models.AutomationCredential, error) {
	var c models.AutomationCredential
	var totp, backup, proxy pgtype.Text
	var lastAttempt, lastSuccess pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT account, login_email, login_secret, totp_seed, backup_codes, proxy_url, profile_dir, enabled, last_attempt_at, last_success_at
		FROM automation_credentials WHERE account = $1 AND enabled
	`, account).Scan(&c.Account, &c.LoginEmail, &c.LoginSecret, &totp, &backup, &proxy, &c.ProfileDir, &c.Enabled, &lastAttempt, &lastSuccess)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationCredential{}, fmt.Errorf("automation credential for %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return models.AutomationCredential{}, fmt.Errorf("scan automation credential: %w", err)
	}
	c.TOTPSeed = textPtr(totp)
	c.BackupCodes = textPtr(backup)
	c.ProxyURL = textPtr(proxy)
	c.LastAttemptAt = tsPtr(lastAttempt)
	c.LastSuccessAt = tsPtr(lastSuccess)
	return c, nil
}

// TouchAutomationAttempt stamps last_attempt_at; success also stamps last_success_at.
func (s *Store) TouchAutomationAttempt(ctx context.Context, account string, success bool) error {
	if success {
		_, err := s.pool.Exec(ctx, `
			UPDATE automation_credentials SET last_attempt_at = NOW(), last_success_at = NOW() WHERE account = $1
		`, account)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_credentials SET last_attempt_at = NOW() WHERE account = $1
	`, account)
	return err
}

// CreateReauthAudit opens an audit entry at dispatch time and returns its id.
func (s *Store) CreateReauthAudit(ctx context.Context, account string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reauth_audit (id, account, started_at) VALUES ($1, $2, NOW())
	`, id, account)
	if err != nil {
		return "", fmt.Errorf("insert reauth audit: %w", err)
	}
	return id, nil
}

// CompleteReauthAudit finalizes an audit entry. The completed_at guard keeps
// the entry completed exactly once even if a retry re-sends the write.
func (s *Store) CompleteReauthAudit(ctx context.Context, id, status, errText string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE reauth_audit
		SET completed_at = NOW(), status = $2, error = NULLIF($3, ''), metadata = $4
		WHERE id = $1 AND completed_at IS NULL
	`, id, status, errText, metaJSON)
	return err
}

// LatestReauthAudit returns the most recent audit entry for an account.
func (s *Store) LatestReauthAudit(ctx context.Context, account string) (models.ReauthAudit, error) {
	var a models.ReauthAudit
	var completed pgtype.Timestamptz
	var status, errText pgtype.Text
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, account, started_at, completed_at, status, error, metadata
		FROM reauth_audit WHERE account = $1 ORDER BY started_at DESC LIMIT 1
	`, account).Scan(&a.ID, &a.Account, &a.StartedAt, &completed, &status, &errText, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReauthAudit{}, fmt.Errorf("reauth audit for %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return models.ReauthAudit{}, fmt.Errorf("scan reauth audit: %w", err)
	}
	a.CompletedAt = tsPtr(completed)
	if status.Valid {
		a.Status = status.String
	}
	a.Error = textPtr(errText)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &a.Metadata)
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
