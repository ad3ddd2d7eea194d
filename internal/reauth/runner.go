package reauth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
	"channel-publisher/internal/notify"
)

// RunnerStore is the slice of the store the in-process runner needs.
type RunnerStore interface {
	GetAccount(ctx context.Context, name string) (models.Account, error)
	GetAutomationCredential(ctx context.Context, account string) (models.AutomationCredential, error)
	UpdateTokens(ctx context.Context, name, accessToken string, refreshToken *string, expiry time.Time) error
	TouchAutomationAttempt(ctx context.Context, account string, success bool) error
}

// Run executes one complete re-authentication inside the spawned process:
// launch the browser with the account's profile, walk the login flow, receive
// the authorization code on the local callback, exchange it, and persist the
// new tokens. The process exit code carries the outcome back to the
// dispatcher.
func Run(ctx context.Context, cfg config.Config, store RunnerStore, notifier notify.Notifier, logger *zap.Logger, account string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ReauthTimeout)
	defer cancel()

	acct, err := store.GetAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("load account %s: %w", account, err)
	}
	cred, err := store.GetAutomationCredential(ctx, account)
	if err != nil {
		return fmt.Errorf("load automation credential for %s: %w", account, err)
	}

	session := NewLoginSession(cfg, cred, notifier, logger)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	exchanger := NewExchanger(cfg, acct, logger)
	result, err := exchanger.Exchange(ctx, cred.LoginEmail, func(authURL string) error {
		if err := session.Open(authURL); err != nil {
			return err
		}
		// The login flow runs concurrently with the callback wait; the
		// exchanger's timeout bounds both.
		go session.Drive(ctx)
		return nil
	}, acct.RefreshToken)
	if err != nil {
		return err
	}

	if err := store.UpdateTokens(ctx, account, result.AccessToken, result.RefreshToken, result.Expiry); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}
	_ = store.TouchAutomationAttempt(ctx, account, true)

	logger.Info("re-authentication complete",
		zap.String("account", account),
		zap.Time("expiry", result.Expiry),
		zap.Bool("rotated_refresh_token", result.RefreshToken != nil && (acct.RefreshToken == nil || *result.RefreshToken != *acct.RefreshToken)))
	return nil
}
