package reauth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
	"channel-publisher/internal/notify"
)

// LoginSession drives a provider login/consent flow to completion or to a
// human-intervention checkpoint. It is a bounded iterative state machine: on
// each pass it attempts the known screens in priority order and stops when a
// pass makes no progress or the pass cap is reached. It never fails on an
// unrecognized screen; the exchanger's callback timeout governs termination.
type LoginSession struct {
	cfg      config.Config
	cred     models.AutomationCredential
	notifier notify.Notifier
	logger   *zap.Logger

	browser *rod.Browser
	page    *rod.Page

	challengeAlerted bool
}

// NewLoginSession builds a session for one account's automation credential.
func NewLoginSession(cfg config.Config, cred models.AutomationCredential, notifier notify.Notifier, logger *zap.Logger) *LoginSession {
	return &LoginSession{
		cfg:      cfg,
		cred:     cred,
		notifier: notifier,
		logger:   logger,
	}
}

// Start launches the browser with the credential's persistent profile and
// optional proxy, then connects.
func (s *LoginSession) Start(ctx context.Context) error {
	l := launcher.New().Headless(s.cfg.BrowserHeadless)
	if s.cfg.BrowserBin != "" {
		l = l.Bin(s.cfg.BrowserBin)
	}
	if s.cred.ProfileDir != "" {
		l = l.UserDataDir(s.cred.ProfileDir)
	}
	if s.cred.ProxyURL != nil && *s.cred.ProxyURL != "" {
		l = l.Proxy(*s.cred.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	s.browser = browser
	return nil
}

// Close shuts the page and browser down.
func (s *LoginSession) Close() {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
}

// Open navigates a fresh page to the authorization URL.
func (s *LoginSession) Open(authURL string) error {
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: authURL})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	s.page = page
	_ = page.Timeout(s.cfg.BrowserStepTimeout).WaitLoad()
	return nil
}

// Drive runs login passes until no known screen is detected or the pass cap
// is reached. Errors inside a pass degrade to logging, never propagate.
func (s *LoginSession) Drive(ctx context.Context) {
	maxPasses := s.cfg.BrowserMaxPasses
	if maxPasses <= 0 {
		maxPasses = 20
	}

	for pass := 0; pass < maxPasses; pass++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		acted := s.pass(ctx)
		s.logger.Debug("login pass complete", zap.Int("pass", pass), zap.Bool("acted", acted))
		if !acted {
			// No known screen left: flow presumed complete or stuck.
			return
		}
		time.Sleep(time.Second)
	}
	s.logger.Warn("login flow hit the pass cap", zap.String("account", s.cred.Account))
	s.notifier.Alert(ctx, notify.KindManualAction, s.cred.Account, "login flow did not converge, manual intervention may be required")
}

// pass attempts the known screens in priority order and reports whether any
// action was taken.
func (s *LoginSession) pass(ctx context.Context) bool {
	switch {
	case s.chooseAccount():
		return true
	case s.fillEmail():
		return true
	case s.fillPassword():
		return true
	case s.handleChallenge(ctx):
		return true
	case s.dismissRecoveryUpsell():
		return true
	case s.approveConsent():
		return true
	}
	return false
}

// chooseAccount resolves an account-chooser screen by matching the login
// identity.
func (s *LoginSession) chooseAccount() bool {
	sel := fmt.Sprintf(`[data-identifier=%q]`, s.cred.LoginEmail)
	has, el, err := s.page.Has(sel)
	if err != nil || !has {
		return false
	}
	if err := s.click(el); err != nil {
		s.logger.Warn("account chooser click failed", zap.Error(err))
		return false
	}
	s.settle()
	return true
}

func (s *LoginSession) fillEmail() bool {
	has, el, err := s.page.Has(`input[type="email"]`)
	if err != nil || !has {
		return false
	}
	if err := el.Input(s.cred.LoginEmail); err != nil {
		s.logger.Warn("email input failed", zap.Error(err))
		return false
	}
	s.advance(el, "#identifierNext")
	return true
}

func (s *LoginSession) fillPassword() bool {
	has, el, err := s.page.Has(`input[type="password"]`)
	if err != nil || !has {
		return false
	}
	if err := el.Input(s.cred.LoginSecret); err != nil {
		s.logger.Warn("password input failed", zap.Error(err))
		return false
	}
	s.advance(el, "#passwordNext")
	return true
}

// handleChallenge covers second-factor screens. With a TOTP seed a code is
// computed and submitted; without automation data the session captures a
// screenshot, alerts the operator once, and lets the loop continue.
func (s *LoginSession) handleChallenge(ctx context.Context) bool {
	has, el, err := s.page.Has(`input[name="totpPin"], input#totpPin`)
	if err != nil {
		return false
	}
	if has {
		if s.cred.TOTPSeed != nil && *s.cred.TOTPSeed != "" {
			code, genErr := totp.GenerateCode(*s.cred.TOTPSeed, time.Now())
			if genErr != nil {
				s.logger.Warn("totp code generation failed", zap.Error(genErr))
				return false
			}
			if err := el.Input(code); err != nil {
				s.logger.Warn("totp input failed", zap.Error(err))
				return false
			}
			s.advance(el, "#totpNext")
			return true
		}
		s.reportChallenge(ctx, "one-time-code challenge")
		return false
	}

	hasHeading, _, err := s.page.HasR(`h1, h2`, `/verify it.?s you|2-step verification|unusual activity/i`)
	if err != nil || !hasHeading {
		return false
	}
	if s.cred.TOTPSeed == nil && s.cred.BackupCodes == nil {
		s.reportChallenge(ctx, "security challenge")
	}
	// Backup-code entry is provider specific; nothing generic to do here.
	return false
}

func (s *LoginSession) reportChallenge(ctx context.Context, kind string) {
	if s.challengeAlerted {
		return
	}
	s.challengeAlerted = true
	shot := s.screenshot()
	msg := fmt.Sprintf("%s encountered and no automation data available, manual intervention required", kind)
	if shot != "" {
		msg += " (screenshot: " + shot + ")"
	}
	s.logger.Warn("manual intervention required", zap.String("account", s.cred.Account), zap.String("kind", kind))
	s.notifier.Alert(ctx, notify.KindManualAction, s.cred.Account, msg)
}

// dismissRecoveryUpsell clicks past "add recovery info" interstitials.
func (s *LoginSession) dismissRecoveryUpsell() bool {
	has, el, err := s.page.HasR(`button`, `/^(not now|skip|cancel)$/i`)
	if err != nil || !has {
		return false
	}
	if err := s.click(el); err != nil {
		return false
	}
	s.settle()
	return true
}

// approveConsent selects all requested scopes and clicks the approval
// control through the escalating strategy chain.
func (s *LoginSession) approveConsent() bool {
	approve := s.findApprove()
	if approve == nil {
		return false
	}

	if boxes, err := s.page.Elements(`input[type="checkbox"]`); err == nil {
		for _, box := range boxes {
			checked, propErr := box.Property("checked")
			if propErr == nil && !checked.Bool() {
				if err := s.click(box); err != nil {
					s.logger.Warn("scope checkbox click failed", zap.Error(err))
				}
			}
		}
	}

	if err := s.click(approve); err != nil {
		s.logger.Warn("consent approval failed after all strategies", zap.Error(err))
		return false
	}
	s.settle()
	return true
}

func (s *LoginSession) findApprove() *rod.Element {
	if has, el, err := s.page.Has(`#submit_approve_access`); err == nil && has {
		return el
	}
	if has, el, err := s.page.HasR(`button`, `/^(allow|continue|agree)$/i`); err == nil && has {
		return el
	}
	return nil
}

// advance clicks the named next control when present, otherwise submits with
// the keyboard.
func (s *LoginSession) advance(field *rod.Element, nextSelector string) {
	if has, next, err := s.page.Has(nextSelector); err == nil && has {
		if err := s.click(next); err == nil {
			s.settle()
			return
		}
	}
	_ = field.Type(input.Enter)
	s.settle()
}

// click runs the escalating strategy chain against one element.
func (s *LoginSession) click(el *rod.Element) error {
	name, err := firstSuccess([]attempt{
		{"click", func() error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		}},
		{"scroll-click", func() error {
			if err := el.ScrollIntoView(); err != nil {
				return err
			}
			return el.Click(proto.InputMouseButtonLeft, 1)
		}},
		{"js-click", func() error {
			_, evalErr := el.Eval(`() => this.click()`)
			return evalErr
		}},
		{"keyboard", func() error {
			if err := el.Focus(); err != nil {
				return err
			}
			return el.Type(input.Enter)
		}},
	})
	if err == nil && name != "click" {
		s.logger.Debug("click needed fallback strategy", zap.String("strategy", name))
	}
	return err
}

// settle waits for navigation/network to quiet down after an action, bounded
// by the step timeout.
func (s *LoginSession) settle() {
	_ = s.page.Timeout(s.cfg.BrowserStepTimeout).WaitLoad()
}

// screenshot captures the page for diagnostics, returning the file path.
func (s *LoginSession) screenshot() string {
	data, err := s.page.Screenshot(true, nil)
	if err != nil {
		s.logger.Warn("screenshot failed", zap.Error(err))
		return ""
	}
	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(s.cfg.ScreenshotDir, fmt.Sprintf("%s-%d.png", s.cred.Account, time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ""
	}
	return path
}

// attempt is one idempotent click strategy.
type attempt struct {
	name  string
	apply func() error
}

// firstSuccess evaluates attempts in order until one succeeds. All failures
// are folded into the returned error.
func firstSuccess(attempts []attempt) (string, error) {
	var lastErr error
	for _, a := range attempts {
		if err := a.apply(); err == nil {
			return a.name, nil
		} else {
			lastErr = fmt.Errorf("%s: %w", a.name, err)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no strategies configured")
	}
	return "", lastErr
}
