package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"channel-publisher/internal/config"
	"channel-publisher/internal/models"
	"channel-publisher/internal/publish"
)

type retryCall struct {
	id        string
	lastError string
	runAt     time.Time
}

type fakeJobStore struct {
	accounts   map[string]models.Account
	claimDeny  map[string]bool
	completed  map[string]string
	failed     map[string]string
	retries    []retryCall
	staleReset int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		accounts:  make(map[string]models.Account),
		claimDeny: make(map[string]bool),
		completed: make(map[string]string),
		failed:    make(map[string]string),
	}
}

func (f *fakeJobStore) FetchPending(context.Context) ([]models.Job, error) { return nil, nil }

func (f *fakeJobStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	return !f.claimDeny[id], nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, id, externalID string) error {
	f.completed[id] = externalID
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id, lastError string) error {
	f.failed[id] = lastError
	return nil
}

func (f *fakeJobStore) ResetForRetry(_ context.Context, id, lastError string, runAt time.Time) error {
	f.retries = append(f.retries, retryCall{id: id, lastError: lastError, runAt: runAt})
	return nil
}

func (f *fakeJobStore) ResetStaleProcessing(context.Context, time.Duration) (int64, error) {
	f.staleReset++
	return 0, nil
}

func (f *fakeJobStore) GetAccount(_ context.Context, name string) (models.Account, error) {
	acct, ok := f.accounts[name]
	if !ok {
		return models.Account{}, errors.New("account not found")
	}
	return acct, nil
}

type fakeQuota struct {
	allow bool
	err   error
}

func (f *fakeQuota) Allow(context.Context, string) (bool, float64, error) {
	return f.allow, 0, f.err
}

type fakeReauth struct {
	revocations []string
	reaps       int
	shutdowns   int
}

func (f *fakeReauth) HandleRevocation(_ context.Context, account, _ string) {
	f.revocations = append(f.revocations, account)
}
func (f *fakeReauth) Reap(context.Context)     { f.reaps++ }
func (f *fakeReauth) Shutdown(context.Context) { f.shutdowns++ }

type stubPublisher struct {
	result publish.Result
	err    error
	calls  int
}

func (s *stubPublisher) Publish(context.Context, models.Account, models.Job) (publish.Result, error) {
	s.calls++
	return s.result, s.err
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		MaxRetries:         2,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         time.Second,
		StaleProcessingAge: time.Minute,
	}
}

func testJob(id string) models.Job {
	return models.Job{
		ID:        id,
		Account:   "main",
		Type:      "youtube_video",
		MediaPath: "videos/clip.mp4",
		Status:    models.StatusPending,
	}
}

func newTestProcessor(st *fakeJobStore, pub publish.Publisher) (*Processor, *fakeReauth) {
	st.accounts["main"] = models.Account{Name: "main", AccessToken: "at", Enabled: true}
	reauth := &fakeReauth{}
	p := NewProcessor(testConfig(), st, &fakeQuota{allow: true}, reauth, zap.NewNop())
	p.RegisterPublisher("youtube_video", pub)
	return p, reauth
}

func TestProcessJobSuccess(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{result: publish.Result{ExternalID: "vid-123"}}
	p, reauth := newTestProcessor(st, pub)

	p.processJob(context.Background(), testJob("j1"))

	if st.completed["j1"] != "vid-123" {
		t.Fatalf("expected completion with external id, got %q", st.completed["j1"])
	}
	if len(st.failed) != 0 || len(st.retries) != 0 {
		t.Fatalf("success must not fail or retry: failed=%v retries=%v", st.failed, st.retries)
	}
	if len(reauth.revocations) != 0 {
		t.Fatal("success must not trigger reauth")
	}
}

func TestRevokedRefreshTokenFailsVerbatimAndDispatchesReauth(t *testing.T) {
	st := newFakeJobStore()
	providerMsg := `upload video: oauth2: "invalid_grant" "Token has been expired or revoked."`
	pub := &stubPublisher{err: errors.New(providerMsg)}
	p, reauth := newTestProcessor(st, pub)

	p.processJob(context.Background(), testJob("j1"))

	if st.failed["j1"] != providerMsg {
		t.Fatalf("provider error must be stored verbatim, got %q", st.failed["j1"])
	}
	if len(st.retries) != 0 {
		t.Fatal("a revoked token must not consume retry budget")
	}
	if len(reauth.revocations) != 1 || reauth.revocations[0] != "main" {
		t.Fatalf("expected one revocation dispatch for main, got %v", reauth.revocations)
	}
}

func TestExpiredAccessTokenIsRetriedNotReauthed(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{err: errors.New("upload video: access token expired")}
	p, reauth := newTestProcessor(st, pub)

	p.processJob(context.Background(), testJob("j1"))

	if len(reauth.revocations) != 0 {
		t.Fatal("an expired access token is refreshable, not a revocation")
	}
	if len(st.retries) != 1 {
		t.Fatalf("expected one retry, got %d", len(st.retries))
	}
}

func TestTransientErrorExhaustsRetryBudget(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{err: errors.New("upload video: network timeout")}
	p, _ := newTestProcessor(st, pub)
	job := testJob("j1")

	// MaxRetries is 2: two reschedules, then a permanent failure.
	for i := 0; i < 3; i++ {
		p.processJob(context.Background(), job)
	}

	if len(st.retries) != 2 {
		t.Fatalf("expected 2 retries before giving up, got %d", len(st.retries))
	}
	if st.failed["j1"] == "" {
		t.Fatal("expected permanent failure after budget exhaustion")
	}
	for _, r := range st.retries {
		if !r.runAt.After(time.Now().Add(-time.Second)) {
			t.Fatalf("retry must be scheduled in the future, got %v", r.runAt)
		}
	}
}

func TestSuccessResetsRetryBudget(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{err: errors.New("network timeout")}
	p, _ := newTestProcessor(st, pub)
	job := testJob("j1")

	p.processJob(context.Background(), job)
	p.processJob(context.Background(), job)
	pub.err = nil
	pub.result = publish.Result{ExternalID: "vid"}
	p.processJob(context.Background(), job)

	if _, tracked := p.retryCount["j1"]; tracked {
		t.Fatal("retry counter must be cleared on success")
	}
}

func TestDisabledAccountFailsPermanently(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{}
	p, _ := newTestProcessor(st, pub)
	st.accounts["main"] = models.Account{Name: "main", Enabled: false}

	p.processJob(context.Background(), testJob("j1"))

	if st.failed["j1"] == "" {
		t.Fatal("expected permanent failure for a disabled account")
	}
	if pub.calls != 0 {
		t.Fatal("must not publish for a disabled account")
	}
}

func TestUnsupportedJobTypeFailsPermanently(t *testing.T) {
	st := newFakeJobStore()
	p, _ := newTestProcessor(st, &stubPublisher{})
	job := testJob("j1")
	job.Type = "podcast_episode"

	p.processJob(context.Background(), job)

	if st.failed["j1"] == "" {
		t.Fatal("expected permanent failure for unsupported type")
	}
}

func TestMissingMediaPathFailsPermanently(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{}
	p, _ := newTestProcessor(st, pub)
	job := testJob("j1")
	job.MediaPath = ""

	p.processJob(context.Background(), job)

	if st.failed["j1"] == "" {
		t.Fatal("expected permanent failure for missing media path")
	}
	if pub.calls != 0 {
		t.Fatal("must not publish without media")
	}
}

func TestUnclaimedJobIsSkipped(t *testing.T) {
	st := newFakeJobStore()
	st.claimDeny["j1"] = true
	pub := &stubPublisher{}
	p, _ := newTestProcessor(st, pub)

	p.processJob(context.Background(), testJob("j1"))

	if pub.calls != 0 || len(st.failed) != 0 || len(st.completed) != 0 {
		t.Fatal("a job claimed elsewhere must be left alone")
	}
}

func TestQuotaRejectDefersWithoutRetryBudget(t *testing.T) {
	st := newFakeJobStore()
	pub := &stubPublisher{}
	p, _ := newTestProcessor(st, pub)
	p.quota = &fakeQuota{allow: false}

	p.processJob(context.Background(), testJob("j1"))

	if pub.calls != 0 {
		t.Fatal("must not publish over quota")
	}
	if len(st.retries) != 1 || st.retries[0].lastError != "upload quota exhausted" {
		t.Fatalf("expected a quota deferral, got %v", st.retries)
	}
	if _, tracked := p.retryCount["j1"]; tracked {
		t.Fatal("quota deferral must not consume retry budget")
	}
}

func TestPublisherPanicFailsJob(t *testing.T) {
	st := newFakeJobStore()
	p, _ := newTestProcessor(st, panickingPublisher{})

	p.processJob(context.Background(), testJob("j1"))

	if st.failed["j1"] == "" {
		t.Fatal("a panicking publisher must fail the job, not the worker")
	}
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, models.Account, models.Job) (publish.Result, error) {
	panic("codec exploded")
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute
	for attempt := 1; attempt <= 10; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got < base/2 {
			t.Fatalf("attempt %d: backoff %v below half the base", attempt, got)
		}
		if got > max {
			t.Fatalf("attempt %d: backoff %v exceeds the cap", attempt, got)
		}
	}
	if got := backoffWithJitter(base, max, 0); got != base {
		t.Fatalf("non-positive attempts should return the base, got %v", got)
	}
}
