package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/phase"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/watch"
)

type fakeRemote struct {
	mu       sync.Mutex
	submit   bgstatus.Payload
	statuses map[string]bgstatus.Payload
}

func newFakeRemote(submit bgstatus.Payload) *fakeRemote {
	return &fakeRemote{submit: submit, statuses: map[string]bgstatus.Payload{}}
}

func (f *fakeRemote) setStatus(id string, p bgstatus.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = p
}

func (f *fakeRemote) SubmitPackage(context.Context, remote.PackageRequest) (bgstatus.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submit.Clone(), nil
}

func (f *fakeRemote) Status(_ context.Context, id string) (bgstatus.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.statuses[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return p.Clone(), nil
}

func (f *fakeRemote) Cancel(_ context.Context, id string) (bgstatus.Payload, error) {
	return bgstatus.Payload{"ID": id, "STATE": "USER_ABORTED"}, nil
}

func (f *fakeRemote) Remove(context.Context, string) error { return nil }

func (f *fakeRemote) AddToBackground(_ context.Context, id string) (bgstatus.Payload, error) {
	return bgstatus.Payload{"ID": id, "STATE": "WORKING", "TITLE": "Images"}, nil
}

func (f *fakeRemote) SetEmail(context.Context, string) error { return nil }

func (f *fakeRemote) SetNotification(context.Context, string, bool, string) error { return nil }

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(context.Background(), map[string]any{
		"storage": map[string]any{"jobs_dir": dir},
		"download": map[string]any{"dir": t.TempDir()},
		"poller":   map[string]any{"interval": "10ms", "requests_per_second": 1000},
	})
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, r Remote) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil, WithRemote(r))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

var testRequest = remote.PackageRequest{
	DownloadRequest: map[string]any{"Title": "Images"},
	SearchRequest:   map[string]any{"id": "search"},
}

func TestSubmit_SynchronousSuccess(t *testing.T) {
	a := newTestApp(t, testConfig(t, t.TempDir()), newFakeRemote(bgstatus.Payload{"ID": "j1", "STATE": "SUCCESS"}))

	sub, err := a.Submit(context.Background(), testRequest, SubmitOptions{})
	require.NoError(t, err)
	assert.Nil(t, sub.Tracker)
	require.NotNil(t, sub.Status)
	assert.Equal(t, "j1", sub.JobID)
	assert.Equal(t, phase.Success, sub.Status.Phase())
	assert.Empty(t, a.Poller().Targets())
}

func TestSubmit_TracksUntilPolledDone(t *testing.T) {
	fake := newFakeRemote(bgstatus.Payload{"ID": "j1", "STATE": "WORKING"})
	a := newTestApp(t, testConfig(t, t.TempDir()), fake)

	completed := make(chan bgstatus.Status, 1)
	sub, err := a.Submit(context.Background(), testRequest, SubmitOptions{
		OnComplete: func(st bgstatus.Status) { completed <- st },
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Tracker)
	assert.Equal(t, []string{"j1"}, a.Poller().Targets())

	fake.setStatus("j1", bgstatus.Payload{"ID": "j1", "STATE": "SUCCESS"})
	n, err := a.Poller().PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case st := <-completed:
		assert.Equal(t, phase.Success, st.Phase())
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}
	assert.Equal(t, watch.Completed, sub.Tracker.Outcome())
	assert.Eventually(t, func() bool { return len(a.Poller().Targets()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_SubmissionContextDoesNotEndTracking(t *testing.T) {
	a := newTestApp(t, testConfig(t, t.TempDir()), newFakeRemote(bgstatus.Payload{"ID": "j1", "STATE": "WORKING"}))

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := a.Submit(ctx, testRequest, SubmitOptions{})
	require.NoError(t, err)
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, watch.Watching, sub.Tracker.Outcome())

	a.Close()
	outcome, err := sub.Tracker.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, watch.Canceled, outcome)
}

func TestSubmit_BackgroundPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a := newTestApp(t, cfg, newFakeRemote(bgstatus.Payload{"ID": "j1", "STATE": "WORKING"}))

	sub, err := a.Submit(context.Background(), testRequest, SubmitOptions{Background: true})
	require.NoError(t, err)
	assert.Equal(t, watch.Backgrounded, sub.Tracker.Outcome())

	rec, ok := a.State().Job("j1")
	require.True(t, ok)
	assert.True(t, rec.Monitored)
	assert.Equal(t, "Images", rec.Title)

	// A second app over the same directory sees the job.
	b := newTestApp(t, cfg, newFakeRemote(nil))
	_, ok = b.State().Job("j1")
	assert.True(t, ok)
}

func TestPushStatus(t *testing.T) {
	a := newTestApp(t, testConfig(t, t.TempDir()), newFakeRemote(bgstatus.Payload{"ID": "j1", "STATE": "WORKING"}))
	_, err := a.Submit(context.Background(), testRequest, SubmitOptions{Background: true})
	require.NoError(t, err)

	require.NoError(t, a.PushStatus(bgstatus.Payload{"ID": "j1", "STATE": "FAIL"}))
	rec, _ := a.State().Job("j1")
	assert.Equal(t, phase.Fail, rec.Phase)

	assert.Error(t, a.PushStatus(bgstatus.Payload{"STATE": "FAIL"}))
}

func TestOfflineRemote(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Submit(context.Background(), testRequest, SubmitOptions{})
	assert.ErrorIs(t, err, remote.ErrNotConfigured)

	err = a.Controller().SetEmail(context.Background(), "a@example.org")
	assert.ErrorIs(t, err, remote.ErrNotConfigured)
}

func TestRun_StopsWithContext(t *testing.T) {
	a := newTestApp(t, testConfig(t, t.TempDir()), newFakeRemote(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
