package reauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func tokenServer(t *testing.T, refreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "https://www.googleapis.com/auth/youtube.upload",
		}
		if refreshToken != "" {
			resp["refresh_token"] = refreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func exchangerConfig(t *testing.T, ts *httptest.Server) config.Config {
	t.Helper()
	return config.Config{
		OAuthAuthURL:    ts.URL + "/auth",
		OAuthTokenURL:   ts.URL + "/token",
		OAuthScopes:     []string{"https://www.googleapis.com/auth/youtube.upload"},
		CallbackPort:    freePort(t),
		CallbackTimeout: 5 * time.Second,
	}
}

// respond hits the exchanger's local listener the way the provider's redirect
// would, with the given query string.
func respond(t *testing.T, authURL, query string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Errorf("parse auth url: %v", err)
		return
	}
	redirect := u.Query().Get("redirect_uri")
	resp, err := http.Get(redirect + "?" + query)
	if err != nil {
		t.Errorf("deliver callback: %v", err)
		return
	}
	_ = resp.Body.Close()
}

func TestExchangeHappyPath(t *testing.T) {
	ts := tokenServer(t, "new-refresh")
	defer ts.Close()

	acct := models.Account{Name: "main", ClientID: "cid", ClientSecret: "secret"}
	e := NewExchanger(exchangerConfig(t, ts), acct, zap.NewNop())

	var seenAuthURL string
	result, err := e.Exchange(context.Background(), "user@example.com", func(authURL string) error {
		seenAuthURL = authURL
		u, _ := url.Parse(authURL)
		state := u.Query().Get("state")
		go respond(t, authURL, "code=authcode&state="+state)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if result.AccessToken != "new-access" {
		t.Fatalf("expected new access token, got %q", result.AccessToken)
	}
	if result.RefreshToken == nil || *result.RefreshToken != "new-refresh" {
		t.Fatalf("expected rotated refresh token, got %v", result.RefreshToken)
	}
	if !strings.Contains(result.Scope, "youtube.upload") {
		t.Fatalf("expected granted scope in result, got %q", result.Scope)
	}

	q, _ := url.Parse(seenAuthURL)
	params := q.Query()
	if params.Get("access_type") != "offline" {
		t.Fatal("authorization url must request offline access")
	}
	if params.Get("prompt") != "consent" {
		t.Fatal("authorization url must force the consent prompt")
	}
	if params.Get("login_hint") != "user@example.com" {
		t.Fatalf("authorization url must carry the login hint, got %q", params.Get("login_hint"))
	}
}

func TestExchangeFallsBackToStoredRefreshToken(t *testing.T) {
	ts := tokenServer(t, "") // provider omits refresh_token
	defer ts.Close()

	stored := "previously-stored"
	e := NewExchanger(exchangerConfig(t, ts), models.Account{Name: "main", ClientID: "cid"}, zap.NewNop())

	result, err := e.Exchange(context.Background(), "user@example.com", func(authURL string) error {
		u, _ := url.Parse(authURL)
		go respond(t, authURL, "code=authcode&state="+u.Query().Get("state"))
		return nil
	}, &stored)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.RefreshToken == nil || *result.RefreshToken != stored {
		t.Fatalf("expected stored refresh token to survive, got %v", result.RefreshToken)
	}
}

func TestExchangeProviderDenied(t *testing.T) {
	ts := tokenServer(t, "rt")
	defer ts.Close()

	e := NewExchanger(exchangerConfig(t, ts), models.Account{Name: "main"}, zap.NewNop())
	_, err := e.Exchange(context.Background(), "user@example.com", func(authURL string) error {
		u, _ := url.Parse(authURL)
		go respond(t, authURL, "error=access_denied&state="+u.Query().Get("state"))
		return nil
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "authorization denied") {
		t.Fatalf("expected denial error, got %v", err)
	}
}

func TestExchangeRejectsStateMismatch(t *testing.T) {
	ts := tokenServer(t, "rt")
	defer ts.Close()

	e := NewExchanger(exchangerConfig(t, ts), models.Account{Name: "main"}, zap.NewNop())
	_, err := e.Exchange(context.Background(), "user@example.com", func(authURL string) error {
		go respond(t, authURL, "code=authcode&state=forged")
		return nil
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("expected state mismatch error, got %v", err)
	}
}

func TestExchangeTimesOutWithoutCallback(t *testing.T) {
	ts := tokenServer(t, "rt")
	defer ts.Close()

	cfg := exchangerConfig(t, ts)
	cfg.CallbackTimeout = 50 * time.Millisecond
	e := NewExchanger(cfg, models.Account{Name: "main"}, zap.NewNop())

	_, err := e.Exchange(context.Background(), "user@example.com", func(string) error { return nil }, nil)
	if !errors.Is(err, ErrCallbackTimeout) {
		t.Fatalf("expected callback timeout, got %v", err)
	}
}

func TestExchangeOpenFailureReleasesListener(t *testing.T) {
	ts := tokenServer(t, "rt")
	defer ts.Close()

	cfg := exchangerConfig(t, ts)
	e := NewExchanger(cfg, models.Account{Name: "main"}, zap.NewNop())

	boom := fmt.Errorf("browser refused to start")
	if _, err := e.Exchange(context.Background(), "u@example.com", func(string) error { return boom }, nil); !errors.Is(err, boom) {
		t.Fatalf("expected open error to propagate, got %v", err)
	}

	// The port must be free again for the next attempt.
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", cfg.CallbackPort))
	if err != nil {
		t.Fatalf("callback port still bound after failed exchange: %v", err)
	}
	_ = ln.Close()
}

func TestSessionClickStrategiesRunInOrder(t *testing.T) {
	var tried []string
	rec := func(name string, err error) attempt {
		return attempt{name: name, apply: func() error {
			tried = append(tried, name)
			return err
		}}
	}

	name, err := firstSuccess([]attempt{
		rec("click", errors.New("not clickable")),
		rec("scroll-click", errors.New("covered by overlay")),
		rec("js-click", nil),
		rec("keyboard", nil),
	})
	if err != nil {
		t.Fatalf("expected a strategy to succeed: %v", err)
	}
	if name != "js-click" {
		t.Fatalf("expected js-click to win, got %s", name)
	}
	if len(tried) != 3 {
		t.Fatalf("later strategies must not run after a success, tried %v", tried)
	}

	tried = nil
	_, err = firstSuccess([]attempt{
		rec("click", errors.New("a")),
		rec("keyboard", errors.New("b")),
	})
	if err == nil {
		t.Fatal("expected error when every strategy fails")
	}
	if !strings.Contains(err.Error(), "keyboard") {
		t.Fatalf("error should name the last strategy, got %v", err)
	}
}
