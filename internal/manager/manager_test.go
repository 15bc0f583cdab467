package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/premium_downloader/internal/storage"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	accounts  map[string]storage.Account
	premiums  map[string]storage.Premium
	config    *storage.Config
	downloads map[string]storage.Download
	seq       int

	failUpdate func(d *storage.Download) error
	reads      int
}

func newMemStore(accountID string) *memStore {
	return &memStore{
		accounts:  map[string]storage.Account{accountID: {ID: accountID, Name: accountID, CreatedAt: baseTime}},
		premiums:  map[string]storage.Premium{},
		config:    &storage.Config{NumSimultaneousDownloads: 2},
		downloads: map[string]storage.Download{},
	}
}

func (s *memStore) put(d storage.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads[d.ID] = d
}

func (s *memStore) get(id string) storage.Download {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.downloads[id]
}

func (s *memStore) status(id string) storage.Status {
	return s.get(id).Status
}

func (s *memStore) setFailUpdate(fn func(d *storage.Download) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failUpdate = fn
}

func (s *memStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reads
}

func (s *memStore) GetAccount(_ context.Context, id string) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}

	return &a, nil
}

func (s *memStore) SaveAccount(_ context.Context, a *storage.Account) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[a.ID] = *a

	return a, nil
}

func (s *memStore) GetPremium(_ context.Context, accountID string) (*storage.Premium, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.premiums[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &p, nil
}

func (s *memStore) SavePremium(_ context.Context, p *storage.Premium) (*storage.Premium, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.premiums[p.AccountID] = *p

	return p, nil
}

func (s *memStore) GetConfig(context.Context) (*storage.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil, storage.ErrNotFound
	}

	cfg := *s.config

	return &cfg, nil
}

func (s *memStore) SaveConfig(_ context.Context, cfg *storage.Config) (*storage.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	s.config = &c

	return cfg, nil
}

func (s *memStore) CreateDownload(_ context.Context, d *storage.Download) (*storage.Download, error) {
	if err := storage.ValidateDownload(d); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	saved := *d
	saved.CreatedAt = baseTime.Add(time.Duration(s.seq) * time.Second)
	saved.UpdatedAt = saved.CreatedAt
	s.downloads[saved.ID] = saved

	return &saved, nil
}

func (s *memStore) UpdateDownload(_ context.Context, d *storage.Download) (*storage.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdate != nil {
		if err := s.failUpdate(d); err != nil {
			return nil, err
		}
	}

	if _, ok := s.downloads[d.ID]; !ok {
		return nil, storage.ErrNotFound
	}

	saved := *d
	saved.UpdatedAt = time.Now().UTC()
	s.downloads[d.ID] = saved

	return &saved, nil
}

func (s *memStore) GetDownload(_ context.Context, id string) (*storage.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++

	d, ok := s.downloads[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &d, nil
}

func (s *memStore) FindByStatus(_ context.Context, accountID string, status storage.Status) ([]storage.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++

	var out []storage.Download

	for _, d := range s.downloads {
		if d.AccountID == accountID && d.Status == status {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *memStore) ListDownloads(_ context.Context, accountID string) ([]storage.Download, error) {
	s.mu.Lock()
	s.reads++

	var out []storage.Download

	for _, d := range s.downloads {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	s.mu.Unlock()

	return out, nil
}

func (s *memStore) CompletedBefore(_ context.Context, cutoff time.Time) ([]storage.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Download

	for _, d := range s.downloads {
		if d.Status == storage.StatusCompleted && d.UpdatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}

	return out, nil
}

type fakeAuth struct {
	mu         sync.Mutex
	logins     []string
	providerID string
}

func (a *fakeAuth) Login(_ context.Context, p *storage.Premium) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logins = append(a.logins, p.Password)

	return a.providerID, nil
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.logins)
}

type fakeWorker struct {
	acquired chan storage.Download
	fetched  chan storage.Download
	hold     chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		acquired: make(chan storage.Download, 16),
		fetched:  make(chan storage.Download, 16),
	}
}

func (w *fakeWorker) Acquire(_ context.Context, _ *storage.Premium, d storage.Download, _ Mailbox) {
	w.acquired <- d
}

func (w *fakeWorker) Fetch(_ context.Context, _ *storage.Premium, d storage.Download, _ Mailbox) {
	w.fetched <- d

	if w.hold != nil {
		<-w.hold
	}
}

func collect(t *testing.T, ch <-chan storage.Download, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)

	for range n {
		select {
		case d := <-ch:
			ids = append(ids, d.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d workers", len(ids), n)
		}
	}

	return ids
}

type chanSink struct {
	ch chan Notification
}

func newSink() *chanSink {
	return &chanSink{ch: make(chan Notification, 32)}
}

func (s *chanSink) Notify(n Notification) bool {
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *chanSink) next(t *testing.T) Notification {
	t.Helper()

	select {
	case n := <-s.ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func (s *chanSink) expectNone(t *testing.T) {
	t.Helper()

	select {
	case n := <-s.ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeNotifier struct {
	ch chan string
}

func (n *fakeNotifier) Notify(_ context.Context, content string) error {
	n.ch <- content
	return nil
}

type harness struct {
	store  *memStore
	auth   *fakeAuth
	worker *fakeWorker
	sink   *chanSink
	mgr    *Manager
}

func startHarness(t *testing.T, store *memStore, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:  store,
		auth:   &fakeAuth{providerID: "42"},
		worker: newFakeWorker(),
		sink:   newSink(),
	}

	h.mgr = New("acct", store, h.auth, h.worker, opts...)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- h.mgr.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.True(t, h.mgr.Send(SubscriberConnect{Sink: h.sink}))
	require.Equal(t, KindSnapshot, h.sink.next(t).Type)

	return h
}

func (h *harness) snapshot(t *testing.T) map[string]storage.Status {
	t.Helper()

	require.True(t, h.mgr.Send(SubscriberRefresh{}))

	n := h.sink.next(t)
	require.Equal(t, KindSnapshot, n.Type)

	out := make(map[string]storage.Status, len(n.Downloads))
	for _, d := range n.Downloads {
		out[d.ID] = d.Status
	}

	return out
}

func sequentialIDs() Option {
	var n int

	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("d%d", n)
	})
}

func download(id string, status storage.Status, offset time.Duration) storage.Download {
	return storage.Download{
		ID:        id,
		AccountID: "acct",
		Link:      "http://x/" + id,
		RealURL:   "http://cdn/" + id + ".bin",
		Status:    status,
		CreatedAt: baseTime.Add(offset),
	}
}

func TestSubmitDownloads(t *testing.T) {
	h := startHarness(t, newMemStore("acct"), sequentialIDs())

	require.True(t, h.mgr.Send(SubscriberDownloads{Links: []string{"http://x/1", "http://x/2"}}))

	n := h.sink.next(t)
	assert.Equal(t, KindSaved, n.Type)
	require.Len(t, n.Downloads, 2)
	assert.Equal(t, "http://x/1", n.Downloads[0].Link)
	assert.Equal(t, "http://x/2", n.Downloads[1].Link)

	for _, v := range n.Downloads {
		assert.Equal(t, storage.StatusSubmitted, v.Status)
		assert.Equal(t, storage.StatusSubmitted, h.store.status(v.ID))
	}

	spawned := map[string]bool{}

	for range 2 {
		select {
		case d := <-h.worker.acquired:
			spawned[d.ID] = true
		case <-time.After(time.Second):
			t.Fatal("acquisition worker not spawned")
		}
	}

	assert.Equal(t, map[string]bool{"d1": true, "d2": true}, spawned)
}

func TestSubmitRejectsInvalidLinks(t *testing.T) {
	h := startHarness(t, newMemStore("acct"), sequentialIDs())

	require.True(t, h.mgr.Send(SubscriberDownloads{Links: []string{"not a link", "https://x/ok"}}))

	rejected := h.sink.next(t)
	assert.Equal(t, KindSaveError, rejected.Type)
	assert.Equal(t, "not a link", rejected.Link)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, "validation", rejected.Error.Code)
	assert.Contains(t, rejected.Error.Fields, "link")

	saved := h.sink.next(t)
	assert.Equal(t, KindSaved, saved.Type)
	require.Len(t, saved.Downloads, 1)
	assert.Equal(t, "https://x/ok", saved.Downloads[0].Link)
}

func TestSubmitWithoutLinks(t *testing.T) {
	h := startHarness(t, newMemStore("acct"))

	require.True(t, h.mgr.Send(SubscriberDownloads{}))

	n := h.sink.next(t)
	assert.Equal(t, KindSaveError, n.Type)
	assert.Equal(t, "validation", n.Error.Code)
}

func TestRefreshDoesNotReadStore(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("a", storage.StatusActive, time.Second))
	store.put(download("b", storage.StatusSubmitted, 2*time.Second))
	store.put(download("c", storage.StatusCompleted, 3*time.Second))

	h := startHarness(t, store)

	reads := store.readCount()

	require.True(t, h.mgr.Send(SubscriberRefresh{}))

	n := h.sink.next(t)
	assert.Equal(t, KindSnapshot, n.Type)
	require.Len(t, n.Downloads, 2)
	assert.Equal(t, "a", n.Downloads[0].ID)
	assert.Equal(t, storage.StatusActive, n.Downloads[0].Status)
	assert.Equal(t, "b", n.Downloads[1].ID)

	assert.Equal(t, reads, store.readCount())
}

func TestAcquiredEventsRespectAdmissionLimit(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusSubmitted, time.Second))
	store.put(download("B", storage.StatusSubmitted, 2*time.Second))
	store.put(download("C", storage.StatusSubmitted, 3*time.Second))

	h := startHarness(t, store)

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, h.mgr.Send(DownloadAcquired{ID: id, RealURL: "http://cdn/" + id}))
	}

	var active []string

	for _, id := range []string{"A", "B", "C"} {
		n := h.sink.next(t)
		require.Equal(t, KindAcquired, n.Type)
		assert.Equal(t, id, n.DownloadID)

		if id != "C" {
			n = h.sink.next(t)
			require.Equal(t, KindActive, n.Type)
			active = append(active, n.DownloadID)
		}
	}

	h.sink.expectNone(t)

	assert.Equal(t, []string{"A", "B"}, active)
	assert.Equal(t, storage.StatusActive, store.status("A"))
	assert.Equal(t, storage.StatusActive, store.status("B"))
	assert.Equal(t, storage.StatusAcquired, store.status("C"))
	assert.Equal(t, "http://cdn/C", store.get("C").RealURL)

	assert.Equal(t, map[string]storage.Status{
		"A": storage.StatusActive,
		"B": storage.StatusActive,
		"C": storage.StatusAcquired,
	}, h.snapshot(t))
}

func TestSchedulerPromotesEarliestQueued(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("C", storage.StatusAcquired, 3*time.Second))
	store.put(download("A", storage.StatusAcquired, time.Second))
	store.put(download("B", storage.StatusAcquired, 2*time.Second))
	store.put(download("D", storage.StatusSubmitted, 4*time.Second))
	store.config = &storage.Config{NumSimultaneousDownloads: 0}

	h := startHarness(t, store)

	_, err := store.SaveConfig(context.Background(), &storage.Config{NumSimultaneousDownloads: 2})
	require.NoError(t, err)

	require.True(t, h.mgr.Send(DownloadAcquired{ID: "D", RealURL: "http://cdn/D"}))

	assert.Equal(t, KindAcquired, h.sink.next(t).Type)
	assert.Equal(t, "A", h.sink.next(t).DownloadID)
	assert.Equal(t, "B", h.sink.next(t).DownloadID)
	h.sink.expectNone(t)

	assert.ElementsMatch(t, []string{"A", "B"}, collect(t, h.worker.fetched, 2))

	assert.Equal(t, storage.StatusAcquired, store.status("C"))
	assert.Equal(t, storage.StatusAcquired, store.status("D"))
}

func TestCompletionFreesSlot(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))
	store.put(download("B", storage.StatusActive, 2*time.Second))
	store.put(download("C", storage.StatusAcquired, 3*time.Second))

	notifier := &fakeNotifier{ch: make(chan string, 1)}
	h := startHarness(t, store, WithNotifier(notifier))

	require.True(t, h.mgr.Send(DownloadComplete{ID: "A"}))

	n := h.sink.next(t)
	assert.Equal(t, KindComplete, n.Type)
	assert.Equal(t, storage.StatusCompleted, n.Download.Status)

	n = h.sink.next(t)
	assert.Equal(t, KindActive, n.Type)
	assert.Equal(t, "C", n.DownloadID)

	// A and B are resumed at startup, C is fetched once promoted
	assert.ElementsMatch(t, []string{"A", "B", "C"}, collect(t, h.worker.fetched, 3))
	assert.Equal(t, "Download completed: A-A.bin", <-notifier.ch)
}

func TestPersistenceFailureKeepsStatus(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))

	h := startHarness(t, store)

	store.setFailUpdate(func(d *storage.Download) error {
		if d.Status == storage.StatusCompleted {
			return errors.New("disk full")
		}

		return nil
	})

	require.True(t, h.mgr.Send(DownloadComplete{ID: "A"}))

	n := h.sink.next(t)
	assert.Equal(t, KindError, n.Type)
	assert.Equal(t, "A", n.DownloadID)
	require.NotNil(t, n.Error)
	assert.Equal(t, "persistence", n.Error.Code)
	assert.Contains(t, n.Error.Message, "disk full")
	assert.Equal(t, storage.StatusActive, n.Download.Status)

	h.sink.expectNone(t)

	assert.Equal(t, storage.StatusActive, h.snapshot(t)["A"])
	assert.Equal(t, storage.StatusActive, store.status("A"))
}

func TestTerminalStatusIsFinal(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusSubmitted, time.Second))

	h := startHarness(t, store)

	require.True(t, h.mgr.Send(DownloadNotFound{ID: "A"}))
	assert.Equal(t, KindNotFound, h.sink.next(t).Type)

	require.True(t, h.mgr.Send(DownloadAcquired{ID: "A", RealURL: "http://cdn/A"}))

	n := h.sink.next(t)
	assert.Equal(t, KindError, n.Type)
	assert.Equal(t, "invalid_transition", n.Error.Code)
	assert.Equal(t, storage.StatusNotFound, n.Download.Status)

	assert.Equal(t, storage.StatusNotFound, store.status("A"))
}

func TestStartedRequiresActive(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusSubmitted, time.Second))
	store.put(download("B", storage.StatusActive, 2*time.Second))

	h := startHarness(t, store)

	require.True(t, h.mgr.Send(DownloadStarted{ID: "A"}))

	n := h.sink.next(t)
	assert.Equal(t, KindError, n.Type)
	assert.Equal(t, "invalid_transition", n.Error.Code)
	assert.Equal(t, storage.StatusSubmitted, store.status("A"))

	require.True(t, h.mgr.Send(DownloadStarted{ID: "B"}))

	n = h.sink.next(t)
	assert.Equal(t, KindStarted, n.Type)
	assert.Equal(t, "B", n.DownloadID)
}

func TestFailedDownloadEndsInError(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))

	notifier := &fakeNotifier{ch: make(chan string, 1)}
	h := startHarness(t, store, WithNotifier(notifier))

	require.True(t, h.mgr.Send(DownloadError{ID: "A", Err: errors.New("slow mirror")}))
	require.True(t, h.mgr.Send(DownloadFailed{ID: "A", Err: errors.New("connection reset")}))

	n := h.sink.next(t)
	assert.Equal(t, KindError, n.Type)
	assert.Equal(t, "download_failed", n.Error.Code)
	assert.Contains(t, n.Error.Message, "connection reset")
	assert.Equal(t, storage.StatusError, n.Download.Status)

	assert.Equal(t, storage.StatusError, store.status("A"))
	assert.Equal(t, "Download failed: http://x/A", <-notifier.ch)
}

func TestNotificationsDroppedWithoutSubscriber(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusSubmitted, time.Second))

	h := startHarness(t, store)

	other := newSink()

	// a stale disconnect must not detach the current subscriber
	require.True(t, h.mgr.Send(SubscriberDisconnect{Sink: other}))
	require.True(t, h.mgr.Send(DownloadProgress{ID: "A", Written: 1, Total: 2}))
	h.sink.expectNone(t)

	require.True(t, h.mgr.Send(SubscriberDisconnect{Sink: h.sink}))
	require.True(t, h.mgr.Send(DownloadNotFound{ID: "A"}))
	h.sink.expectNone(t)

	require.True(t, h.mgr.Send(SubscriberConnect{Sink: other}))

	n := other.next(t)
	require.Equal(t, KindSnapshot, n.Type)
	require.Len(t, n.Downloads, 1)
	assert.Equal(t, storage.StatusNotFound, n.Downloads[0].Status)
	h.sink.expectNone(t)
}

func TestMissingConfigurationSkipsScheduling(t *testing.T) {
	store := newMemStore("acct")
	store.config = nil
	store.put(download("A", storage.StatusSubmitted, time.Second))

	h := startHarness(t, store)

	require.True(t, h.mgr.Send(DownloadAcquired{ID: "A", RealURL: "http://cdn/A"}))
	assert.Equal(t, KindAcquired, h.sink.next(t).Type)
	h.sink.expectNone(t)

	assert.Equal(t, storage.StatusAcquired, store.status("A"))
}

func TestLoginReconciliation(t *testing.T) {
	store := newMemStore("acct")
	store.premiums["acct"] = storage.Premium{ID: 1, AccountID: "acct", Username: "me", Password: "token-1"}

	h := startHarness(t, store)

	assert.Equal(t, 1, h.auth.count())

	premium, err := store.GetPremium(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "42", premium.ProviderID)

	require.True(t, h.mgr.Send(SubscriberConnect{Sink: h.sink}))
	assert.Equal(t, KindSnapshot, h.sink.next(t).Type)
	assert.Equal(t, 1, h.auth.count())

	_, err = store.SavePremium(context.Background(), &storage.Premium{ID: 1, AccountID: "acct", Username: "me", Password: "token-2", ProviderID: "42"})
	require.NoError(t, err)

	require.True(t, h.mgr.Send(SubscriberConnect{Sink: h.sink}))
	assert.Equal(t, KindSnapshot, h.sink.next(t).Type)
	assert.Equal(t, 2, h.auth.count())
}

func TestRunUnknownAccountIsPermanent(t *testing.T) {
	m := New("ghost", newMemStore("acct"), &fakeAuth{}, newFakeWorker())

	err := m.Run(context.Background())

	var permanent *backoff.PermanentError
	require.ErrorAs(t, err, &permanent)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendAfterClose(t *testing.T) {
	m := New("acct", newMemStore("acct"), &fakeAuth{}, newFakeWorker())
	m.Close()

	assert.False(t, m.Send(SubscriberRefresh{}))
}

func TestRunRestartsWithFreshSession(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))

	m := New("acct", store, &fakeAuth{}, newFakeWorker())
	sink := newSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	require.True(t, m.Send(SubscriberConnect{Sink: sink}))
	require.Equal(t, KindSnapshot, sink.next(t).Type)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	store.put(download("B", storage.StatusSubmitted, 2*time.Second))

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go func() { done <- m.Run(ctx) }()

	// the old sink is gone after a restart
	require.True(t, m.Send(DownloadNotFound{ID: "B"}))
	sink.expectNone(t)

	require.True(t, m.Send(SubscriberConnect{Sink: sink}))

	n := sink.next(t)
	require.Equal(t, KindSnapshot, n.Type)
	assert.Len(t, n.Downloads, 2)
}

func TestStartupResumesInterruptedDownloads(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))
	store.put(download("B", storage.StatusActive, 2*time.Second))
	store.put(download("S", storage.StatusSubmitted, 3*time.Second))
	store.put(download("C", storage.StatusSubmitted, 4*time.Second))

	h := startHarness(t, store)

	assert.ElementsMatch(t, []string{"A", "B"}, collect(t, h.worker.fetched, 2))
	assert.ElementsMatch(t, []string{"S", "C"}, collect(t, h.worker.acquired, 2))

	require.True(t, h.mgr.Send(DownloadAcquired{ID: "C", RealURL: "http://cdn/C"}))
	assert.Equal(t, KindAcquired, h.sink.next(t).Type)
	h.sink.expectNone(t)

	require.True(t, h.mgr.Send(DownloadComplete{ID: "A"}))
	assert.Equal(t, KindComplete, h.sink.next(t).Type)

	n := h.sink.next(t)
	assert.Equal(t, KindActive, n.Type)
	assert.Equal(t, "C", n.DownloadID)

	assert.Equal(t, []string{"C"}, collect(t, h.worker.fetched, 1))
	assert.Equal(t, storage.StatusActive, store.status("C"))
}

func TestStartupFillsFreeSlots(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusAcquired, time.Second))
	store.put(download("B", storage.StatusAcquired, 2*time.Second))
	store.put(download("C", storage.StatusAcquired, 3*time.Second))

	h := startHarness(t, store)

	assert.ElementsMatch(t, []string{"A", "B"}, collect(t, h.worker.fetched, 2))
	assert.Equal(t, storage.StatusActive, store.status("A"))
	assert.Equal(t, storage.StatusActive, store.status("B"))
	assert.Equal(t, storage.StatusAcquired, store.status("C"))
}

func TestRestartDoesNotDuplicateRunningWorkers(t *testing.T) {
	store := newMemStore("acct")
	store.put(download("A", storage.StatusActive, time.Second))

	worker := newFakeWorker()
	worker.hold = make(chan struct{})
	defer close(worker.hold)

	m := New("acct", store, &fakeAuth{}, worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	assert.Equal(t, []string{"A"}, collect(t, worker.fetched, 1))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go func() { done <- m.Run(ctx) }()

	sink := newSink()
	require.True(t, m.Send(SubscriberConnect{Sink: sink}))
	require.Equal(t, KindSnapshot, sink.next(t).Type)

	select {
	case d := <-worker.fetched:
		t.Fatalf("fetch of %s spawned twice", d.ID)
	case <-time.After(50 * time.Millisecond):
	}
}
