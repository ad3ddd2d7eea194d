package reauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
)

// TokenResult is the outcome of a successful code exchange.
type TokenResult struct {
	AccessToken  string
	RefreshToken *string
	Expiry       time.Time
	Scope        string
}

// ErrCallbackTimeout is returned when no authorization response arrives
// within the configured window.
var ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")

type callbackResult struct {
	code  string
	state string
	err   string
}

// Exchanger runs the local half of the authorization code flow: a short-lived
// callback listener plus the token-endpoint exchange.
type Exchanger struct {
	oauth   oauth2.Config
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

// NewExchanger builds an exchanger for one account's client application.
// Endpoint URLs default to Google's and are overridable through config.
func NewExchanger(cfg config.Config, account models.Account, logger *zap.Logger) *Exchanger {
	endpoint := google.Endpoint
	if cfg.OAuthTokenURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: cfg.OAuthAuthURL, TokenURL: cfg.OAuthTokenURL}
	}
	return &Exchanger{
		oauth: oauth2.Config{
			ClientID:     account.ClientID,
			ClientSecret: account.ClientSecret,
			RedirectURL:  fmt.Sprintf("http://localhost:%d/callback", cfg.CallbackPort),
			Scopes:       cfg.OAuthScopes,
			Endpoint:     endpoint,
		},
		port:    cfg.CallbackPort,
		timeout: cfg.CallbackTimeout,
		logger:  logger,
	}
}

// Exchange starts the callback listener, hands the authorization URL to open
// (the browser session), waits for a code, error, or timeout, and exchanges
// the code for tokens. The listener is shut down on every path. When the
// provider omits a refresh token (already-granted scenario) the previously
// stored one is returned instead of nil.
func (e *Exchanger) Exchange(ctx context.Context, loginHint string, open func(authURL string) error, storedRefresh *string) (TokenResult, error) {
	state := uuid.NewString()
	results := make(chan callbackResult, 1)

	r := chi.NewRouter()
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		res := callbackResult{
			code:  q.Get("code"),
			state: q.Get("state"),
			err:   q.Get("error"),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != "" {
			_, _ = w.Write([]byte("<html><body><h3>Authorization failed</h3><p>You can close this window.</p></body></html>"))
		} else {
			_, _ = w.Write([]byte("<html><body><h3>Authorization complete</h3><p>You can close this window.</p></body></html>"))
		}
		select {
		case results <- res:
		default: // only the first response counts
		}
	})

	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", e.port))
	if err != nil {
		return TokenResult{}, fmt.Errorf("bind callback port %d: %w", e.port, err)
	}
	srv := &http.Server{Handler: r}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			e.logger.Warn("callback listener stopped", zap.Error(serveErr))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := e.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("login_hint", loginHint),
	)
	if err := open(authURL); err != nil {
		return TokenResult{}, fmt.Errorf("open authorization url: %w", err)
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return TokenResult{}, ctx.Err()
	case <-time.After(e.timeout):
		return TokenResult{}, ErrCallbackTimeout
	}

	if res.err != "" {
		return TokenResult{}, fmt.Errorf("authorization denied: %s", res.err)
	}
	if res.state != state {
		return TokenResult{}, fmt.Errorf("state mismatch in authorization callback")
	}
	if res.code == "" {
		return TokenResult{}, errors.New("authorization callback carried no code")
	}

	tok, err := e.oauth.Exchange(ctx, res.code)
	if err != nil {
		return TokenResult{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	out := TokenResult{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		out.Scope = s
	}
	if tok.RefreshToken != "" {
		rt := tok.RefreshToken
		out.RefreshToken = &rt
	} else {
		out.RefreshToken = storedRefresh
	}
	return out, nil
}
