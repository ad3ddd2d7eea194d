// Package reauth re-establishes OAuth grants whose refresh tokens have been
// revoked. The dispatcher side runs inside the worker and supervises one
// isolated OS process per account; the session/exchanger side runs inside
// that spawned process. The automation engine embeds non-reentrant native
// components, so it is never invoked in the worker's own process.
package reauth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"channel-publisher/internal/models"
	"channel-publisher/internal/notify"
	"channel-publisher/internal/telemetry"
)

// ExitReason describes how a reauth process ended, for diagnostics.
type ExitReason string

const (
	ExitOK         ExitReason = "ok"
	ExitError      ExitReason = "error"
	ExitTerminated ExitReason = "terminated" // graceful-termination signal
	ExitKilled     ExitReason = "killed"     // forceful kill
)

// DispatcherStore is the slice of the credential store the dispatcher needs.
type DispatcherStore interface {
	GetAutomationCredential(ctx context.Context, account string) (models.AutomationCredential, error)
	TouchAutomationAttempt(ctx context.Context, account string, success bool) error
	CreateReauthAudit(ctx context.Context, account string) (string, error)
	CompleteReauthAudit(ctx context.Context, id, status, errText string, metadata map[string]any) error
}

// proc is a handle to a spawned reauth process.
type proc interface {
	signal(sig os.Signal) error
	pid() int
}

// exitResult is delivered by a process's wait goroutine once its exit has
// been observed.
type exitResult struct {
	account string
	reason  ExitReason
	code    int
	err     error
	tail    string
}

type ongoingSession struct {
	account   string
	auditID   string
	handle    proc
	startedAt time.Time
}

// Dispatcher deduplicates and supervises re-authentication processes. The
// ongoing set and process table are mutated only from the worker's own
// control flow (HandleRevocation, Reap, Shutdown all run on the poll tick),
// so no locking is needed beyond the results channel.
type Dispatcher struct {
	store    DispatcherStore
	notifier notify.Notifier
	logger   *zap.Logger

	command   []string
	graceful  time.Duration
	killGrace time.Duration

	ongoing map[string]*ongoingSession
	results chan exitResult

	// start is swapped out by tests.
	start func(account string) (proc, error)
}

// NewDispatcher builds a dispatcher that spawns `command... <account>`.
func NewDispatcher(store DispatcherStore, notifier notify.Notifier, logger *zap.Logger, command []string, graceful, killGrace time.Duration) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		notifier:  notifier,
		logger:    logger,
		command:   command,
		graceful:  graceful,
		killGrace: killGrace,
		ongoing:   make(map[string]*ongoingSession),
		results:   make(chan exitResult, 32),
	}
	d.start = d.execStart
	return d
}

// Ongoing returns the accounts currently undergoing re-authentication.
// Read-only view for observability and tests.
func (d *Dispatcher) Ongoing() []string {
	accounts := make([]string, 0, len(d.ongoing))
	for a := range d.ongoing {
		accounts = append(accounts, a)
	}
	return accounts
}

// HandleRevocation launches an isolated reauth session for the account unless
// one is already running. Never returns an error: dispatch failures are
// logged, audited, and alerted, not raised to the poll loop.
func (d *Dispatcher) HandleRevocation(ctx context.Context, account, errText string) {
	if _, running := d.ongoing[account]; running {
		d.logger.Info("reauth already in flight, skipping dispatch", zap.String("account", account))
		return
	}

	d.notifier.Alert(ctx, notify.KindRevocation, account,
		fmt.Sprintf("refresh token revoked, starting re-authentication: %s", errText))

	auditID, err := d.store.CreateReauthAudit(ctx, account)
	if err != nil {
		d.logger.Error("create reauth audit", zap.String("account", account), zap.Error(err))
		// Continue without an audit id rather than leaving the grant dead.
	}

	if _, err := d.store.GetAutomationCredential(ctx, account); err != nil {
		d.logger.Warn("no automation credential, aborting reauth dispatch",
			zap.String("account", account), zap.Error(err))
		d.completeAudit(ctx, auditID, models.ReauthSkipped, "automation credential unavailable", nil)
		d.notifier.Alert(ctx, notify.KindDispatchError, account, "no automation credential configured, manual re-authentication required")
		return
	}
	_ = d.store.TouchAutomationAttempt(ctx, account, false)

	handle, err := d.start(account)
	if err != nil {
		d.logger.Error("spawn reauth process", zap.String("account", account), zap.Error(err))
		d.completeAudit(ctx, auditID, models.ReauthFailed, fmt.Sprintf("spawn failed: %v", err), nil)
		d.notifier.Alert(ctx, notify.KindDispatchError, account, fmt.Sprintf("could not start re-authentication process: %v", err))
		return
	}

	d.ongoing[account] = &ongoingSession{
		account:   account,
		auditID:   auditID,
		handle:    handle,
		startedAt: time.Now(),
	}
	telemetry.ReauthSpawned.Inc()
	telemetry.OngoingReauthGauge.Set(float64(len(d.ongoing)))
	d.logger.Info("reauth process started",
		zap.String("account", account), zap.Int("pid", handle.pid()))
}

// Reap collects every process whose exit has been observed, finalizes its
// audit entry, and notifies. Called once per poll tick.
func (d *Dispatcher) Reap(ctx context.Context) {
	for {
		select {
		case res := <-d.results:
			d.finish(ctx, res)
		default:
			return
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, res exitResult) {
	sess, ok := d.ongoing[res.account]
	if !ok {
		d.logger.Warn("exit for untracked reauth process", zap.String("account", res.account))
		return
	}
	delete(d.ongoing, res.account)
	telemetry.OngoingReauthGauge.Set(float64(len(d.ongoing)))

	meta := map[string]any{
		"exit_reason": string(res.reason),
		"exit_code":   res.code,
		"duration":    time.Since(sess.startedAt).String(),
	}
	if res.tail != "" {
		meta["output_tail"] = res.tail
	}

	if res.reason == ExitOK {
		telemetry.ReauthSucceeded.Inc()
		d.completeAudit(ctx, sess.auditID, models.ReauthSuccess, "", meta)
		_ = d.store.TouchAutomationAttempt(ctx, res.account, true)
		d.notifier.Alert(ctx, notify.KindReauthResult, res.account, "re-authentication succeeded, new token persisted")
		d.logger.Info("reauth succeeded", zap.String("account", res.account))
		return
	}

	telemetry.ReauthFailed.Inc()
	errText := fmt.Sprintf("reauth process %s (code %d)", res.reason, res.code)
	if res.err != nil {
		errText = fmt.Sprintf("%s: %v", errText, res.err)
	}
	d.completeAudit(ctx, sess.auditID, models.ReauthFailed, errText, meta)
	d.notifier.Alert(ctx, notify.KindReauthResult, res.account, "re-authentication failed: "+errText)
	d.logger.Warn("reauth failed",
		zap.String("account", res.account),
		zap.String("reason", string(res.reason)),
		zap.Int("code", res.code),
		zap.String("tail", res.tail))
}

// Shutdown waits up to the graceful period for tracked processes to exit on
// their own, then escalates: termination signal, a shorter wait, forceful
// kill. Exit results observed along the way keep their real exit codes.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if len(d.ongoing) == 0 {
		return
	}
	d.logger.Info("waiting for reauth processes", zap.Int("count", len(d.ongoing)))

	if d.drainUntil(ctx, time.Now().Add(d.graceful)) {
		return
	}

	for account, sess := range d.ongoing {
		d.logger.Warn("sending termination signal to reauth process",
			zap.String("account", account), zap.Int("pid", sess.handle.pid()))
		_ = sess.handle.signal(syscall.SIGTERM)
	}
	if d.drainUntil(ctx, time.Now().Add(d.killGrace)) {
		return
	}

	for account, sess := range d.ongoing {
		d.logger.Error("killing unresponsive reauth process",
			zap.String("account", account), zap.Int("pid", sess.handle.pid()))
		_ = sess.handle.signal(syscall.SIGKILL)
	}
	// The wait goroutines still deliver results after SIGKILL.
	d.drainUntil(ctx, time.Now().Add(d.killGrace))
}

// drainUntil processes exit results until the deadline or until no tracked
// process remains. Reports whether the table is empty.
func (d *Dispatcher) drainUntil(ctx context.Context, deadline time.Time) bool {
	for len(d.ongoing) > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			return false
		}
		select {
		case res := <-d.results:
			d.finish(ctx, res)
		case <-time.After(wait):
			return len(d.ongoing) == 0
		}
	}
	return true
}

func (d *Dispatcher) completeAudit(ctx context.Context, auditID, status, errText string, meta map[string]any) {
	if auditID == "" {
		return
	}
	if err := d.store.CompleteReauthAudit(ctx, auditID, status, errText, meta); err != nil {
		d.logger.Error("complete reauth audit", zap.String("audit_id", auditID), zap.Error(err))
	}
}

// execStart launches the configured reauth command with the account as its
// sole appended argument and arranges for the exit to be reported on the
// results channel.
func (d *Dispatcher) execStart(account string) (proc, error) {
	if len(d.command) == 0 {
		return nil, fmt.Errorf("no reauth command configured")
	}
	args := append(append([]string{}, d.command[1:]...), account)
	cmd := exec.Command(d.command[0], args...)
	tail := newTailBuffer(4096)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.command[0], err)
	}

	go func() {
		err := cmd.Wait()
		reason, code := classifyExit(err)
		d.results <- exitResult{
			account: account,
			reason:  reason,
			code:    code,
			err:     err,
			tail:    tail.String(),
		}
	}()

	return &execProc{cmd: cmd}, nil
}

type execProc struct {
	cmd *exec.Cmd
}

func (p *execProc) signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// classifyExit distinguishes clean exits, application errors, and
// signal-terminated processes.
func classifyExit(err error) (ExitReason, int) {
	if err == nil {
		return ExitOK, 0
	}
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return ExitError, -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGKILL:
			return ExitKilled, -1
		case syscall.SIGTERM, syscall.SIGINT:
			return ExitTerminated, -1
		default:
			return ExitError, -1
		}
	}
	return ExitError, ee.ExitCode()
}

// tailBuffer keeps the last capacity bytes written, for stderr/stdout
// diagnostics without unbounded memory.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
