package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/storage"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

const defaultMailboxSize = 64

// Authenticator logs a stored credential in with the hosting provider and
// returns the provider's identifier for it.
type Authenticator interface {
	Login(ctx context.Context, premium *storage.Premium) (string, error)
}

// Mailbox is where workers report progress.
type Mailbox interface {
	Send(msg Message) bool
}

// Worker executes downloads outside the Manager. Both calls block until the
// work is done and report every outcome through mb.
type Worker interface {
	Acquire(ctx context.Context, premium *storage.Premium, d storage.Download, mb Mailbox)
	Fetch(ctx context.Context, premium *storage.Premium, d storage.Download, mb Mailbox)
}

// Notifier announces finished downloads to the outside world.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.telemetry = t
	}
}

func WithMailboxSize(size int) Option {
	return func(m *Manager) {
		m.mailboxSize = size
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// Manager coordinates the downloads of one account. All session state is
// owned by the goroutine executing Run.
type Manager struct {
	accountID string
	store     storage.Store
	auth      Authenticator
	worker    Worker
	notifier  Notifier
	telemetry *telemetry.Telemetry
	newID     func() string

	mailboxSize int
	mailbox     chan Message
	closed      chan struct{}

	// workers still running, kept across restarts
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	// session state
	logger    *slog.Logger
	downloads map[string]storage.Download
	sink      Sink
	premium   *storage.Premium
	loggedIn  string
}

func New(accountID string, store storage.Store, auth Authenticator, worker Worker, opts ...Option) *Manager {
	m := &Manager{
		accountID:   accountID,
		store:       store,
		auth:        auth,
		worker:      worker,
		newID:       uuid.NewString,
		mailboxSize: defaultMailboxSize,
		closed:      make(chan struct{}),
		inflight:    make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.mailbox = make(chan Message, m.mailboxSize)

	return m
}

// Send enqueues msg. It blocks while the mailbox is full and returns false once
// the Manager is closed.
func (m *Manager) Send(msg Message) bool {
	select {
	case <-m.closed:
		return false
	default:
	}

	select {
	case <-m.closed:
		return false
	case m.mailbox <- msg:
		return true
	}
}

// Close rejects further messages. Messages still queued are discarded.
func (m *Manager) Close() {
	close(m.closed)
}

// Run processes the mailbox until ctx is cancelled. Every call starts from a
// fresh session seeded from the store.
func (m *Manager) Run(ctx context.Context) error {
	m.logger = logctx.LoggerFromContext(ctx).With("account_id", m.accountID, "component", "manager")
	ctx = logctx.WithAccountID(logctx.WithLogger(ctx, m.logger), m.accountID)

	m.downloads = make(map[string]storage.Download)
	m.sink = nil
	m.premium = nil
	m.loggedIn = ""

	if err := m.startup(ctx); err != nil {
		return err
	}

	m.logger.Info("manager started", "downloads", len(m.downloads))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("manager stopped")
			return ctx.Err()
		case msg := <-m.mailbox:
			_ = m.telemetry.InstrumentMessage(ctx, messageName(msg), func(ctx context.Context) error {
				return m.handle(ctx, msg)
			})
		}
	}
}

func (m *Manager) startup(ctx context.Context) error {
	if _, err := m.store.GetAccount(ctx, m.accountID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(fmt.Errorf("account %s: %w", m.accountID, err))
		}

		return fmt.Errorf("failed to load account: %w", err)
	}

	if err := m.reconcileLogin(ctx); err != nil {
		return err
	}

	downloads, err := m.store.ListDownloads(ctx, m.accountID)
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	for _, d := range downloads {
		if !d.Status.Terminal() {
			m.downloads[d.ID] = d
		}
	}

	m.resume(ctx, downloads)

	return nil
}

// resume restarts the workers of downloads left SUBMITTED or ACTIVE by a
// previous session, then fills any free slots.
func (m *Manager) resume(ctx context.Context, downloads []storage.Download) {
	var resumed int

	for _, d := range downloads {
		if m.running(d.ID) {
			continue
		}

		switch d.Status {
		case storage.StatusSubmitted:
			m.spawn(ctx, d, m.worker.Acquire)
		case storage.StatusActive:
			m.spawn(ctx, d, m.worker.Fetch)
		default:
			continue
		}

		resumed++
	}

	if resumed > 0 {
		m.logger.Info("resumed interrupted downloads", "count", resumed)
	}

	m.schedule(ctx)
}

// reconcileLogin reloads the credential and logs in when it changed since the
// last successful login of this session. A failed login is logged, not fatal.
func (m *Manager) reconcileLogin(ctx context.Context) error {
	premium, err := m.store.GetPremium(ctx, m.accountID)
	if errors.Is(err, storage.ErrNotFound) {
		m.premium = nil
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load premium credential: %w", err)
	}

	m.premium = premium

	identity := credentialIdentity(premium)
	if identity == m.loggedIn {
		return nil
	}

	providerID, err := m.auth.Login(ctx, premium)
	if err != nil {
		m.logger.Error("premium login failed", "username", premium.Username, "err", err)
		m.telemetry.RecordSystemError("manager", "login")

		return nil
	}

	m.loggedIn = identity

	if providerID != "" && providerID != premium.ProviderID {
		premium.ProviderID = providerID

		saved, err := m.store.SavePremium(ctx, premium)
		if err != nil {
			m.logger.Warn("failed to store provider id", "err", err)
		} else {
			m.premium = saved
		}
	}

	m.logger.Info("premium login succeeded", "username", premium.Username, "provider_id", providerID)

	return nil
}

func credentialIdentity(p *storage.Premium) string {
	sum := sha256.Sum256([]byte(p.Username + "\x00" + p.Password))

	return hex.EncodeToString(sum[:])
}

func (m *Manager) handle(ctx context.Context, msg Message) error {
	switch msg := msg.(type) {
	case SubscriberConnect:
		return m.handleConnect(ctx, msg)
	case SubscriberDownloads:
		m.handleDownloads(ctx, msg)
	case SubscriberRefresh:
		m.notify(Notification{Type: KindSnapshot, Downloads: snapshotOf(m.downloads)})
	case SubscriberDisconnect:
		if msg.Sink == nil || msg.Sink == m.sink {
			m.sink = nil
			m.logger.Debug("subscriber detached")
		}
	case DownloadNotFound:
		return m.apply(ctx, msg.ID, storage.StatusNotFound, KindNotFound, nil)
	case DownloadAcquired:
		err := m.apply(ctx, msg.ID, storage.StatusAcquired, KindAcquired, func(d *storage.Download) {
			d.RealURL = msg.RealURL
		})
		if err != nil {
			return err
		}

		m.schedule(ctx)
	case DownloadStarted:
		return m.handleStarted(ctx, msg)
	case DownloadProgress:
		m.logger.Debug("download progress", "download_id", msg.ID, "written", msg.Written, "total", msg.Total)
	case DownloadComplete:
		if err := m.apply(ctx, msg.ID, storage.StatusCompleted, KindComplete, nil); err != nil {
			return err
		}

		m.schedule(ctx)
	case DownloadError:
		m.logger.Warn("download reported an error", "download_id", msg.ID, "err", msg.Err)
	case DownloadFailed:
		return m.handleFailed(ctx, msg)
	default:
		m.logger.Warn("unrecognized message", "type", fmt.Sprintf("%T", msg))
	}

	return nil
}

func (m *Manager) handleConnect(ctx context.Context, msg SubscriberConnect) error {
	if _, err := m.store.GetAccount(ctx, m.accountID); err != nil {
		m.logger.Warn("failed to refresh account", "err", err)
	}

	if err := m.reconcileLogin(ctx); err != nil {
		m.logger.Warn("failed to refresh premium credential", "err", err)
	}

	if m.sink != nil && m.sink != msg.Sink {
		m.logger.Info("replacing attached subscriber")
	}

	m.sink = msg.Sink
	m.notify(Notification{Type: KindSnapshot, Downloads: snapshotOf(m.downloads)})

	return nil
}

func (m *Manager) handleDownloads(ctx context.Context, msg SubscriberDownloads) {
	if len(msg.Links) == 0 {
		m.notify(Notification{
			Type:  KindSaveError,
			Error: &ErrorPayload{Code: "validation", Message: "no links submitted"},
		})

		return
	}

	var saved []storage.Download

	for _, link := range msg.Links {
		link = strings.TrimSpace(link)

		d, err := m.store.CreateDownload(ctx, &storage.Download{
			ID:        m.newID(),
			AccountID: m.accountID,
			Link:      link,
			Status:    storage.StatusSubmitted,
		})
		if err != nil {
			m.logger.Warn("failed to save download", "link", link, "err", err)
			m.telemetry.RecordSubmission("rejected")
			m.notify(Notification{Type: KindSaveError, Link: link, Error: errorPayload(err)})

			continue
		}

		m.downloads[d.ID] = *d
		m.telemetry.RecordSubmission("saved")

		saved = append(saved, *d)
	}

	if len(saved) == 0 {
		return
	}

	views := make([]DownloadView, 0, len(saved))
	for _, d := range saved {
		views = append(views, viewOf(d))
	}

	m.notify(Notification{Type: KindSaved, Downloads: views})

	for _, d := range saved {
		m.spawn(ctx, d, m.worker.Acquire)
	}
}

func (m *Manager) handleStarted(ctx context.Context, msg DownloadStarted) error {
	current, ok := m.downloads[msg.ID]
	if !ok {
		m.logger.Warn("message for unknown download", "download_id", msg.ID)
		return nil
	}

	// Only the scheduler moves a download into ACTIVE.
	if current.Status != storage.StatusActive {
		err := &TransitionError{DownloadID: msg.ID, From: current.Status, To: storage.StatusActive}
		m.logger.Warn("rejected download start", "err", err)
		m.notify(Notification{Type: KindError, DownloadID: msg.ID, Download: viewPtr(current), Error: errorPayload(err)})

		return err
	}

	return m.apply(ctx, msg.ID, storage.StatusActive, KindStarted, nil)
}

func (m *Manager) handleFailed(ctx context.Context, msg DownloadFailed) error {
	failure := &DownloadFailure{DownloadID: msg.ID, Err: msg.Err}
	if msg.Err == nil {
		failure.Err = errors.New("unknown failure")
	}

	d, err := m.transition(ctx, msg.ID, storage.StatusError, nil)
	if err != nil {
		return err
	}

	m.logger.Error("download failed", "download_id", msg.ID, "err", failure.Err)
	m.notify(Notification{Type: KindError, DownloadID: d.ID, Download: viewPtr(d), Error: errorPayload(failure)})
	m.announce(ctx, d)
	m.schedule(ctx)

	return nil
}

// apply runs transition and emits kind on success.
func (m *Manager) apply(ctx context.Context, id string, to storage.Status, kind Kind, mutate func(*storage.Download)) error {
	d, err := m.transition(ctx, id, to, mutate)
	if err != nil {
		return err
	}

	m.notify(Notification{Type: kind, DownloadID: d.ID, Download: viewPtr(d)})
	m.announce(ctx, d)

	return nil
}

var errUnknownDownload = errors.New("unknown download")

// transition persists a status change and commits it to the session only once
// the store accepted it. Failures are reported to the subscriber.
func (m *Manager) transition(ctx context.Context, id string, to storage.Status, mutate func(*storage.Download)) (storage.Download, error) {
	current, ok := m.downloads[id]
	if !ok {
		m.logger.Warn("message for unknown download", "download_id", id, "status", to)
		return storage.Download{}, errUnknownDownload
	}

	if !current.Status.CanTransitionTo(to) {
		err := &TransitionError{DownloadID: id, From: current.Status, To: to}
		m.logger.Warn("rejected status change", "err", err)
		m.notify(Notification{Type: KindError, DownloadID: id, Download: viewPtr(current), Error: errorPayload(err)})

		return storage.Download{}, err
	}

	next := current
	next.Status = to

	if mutate != nil {
		mutate(&next)
	}

	saved, err := m.store.UpdateDownload(ctx, &next)
	if err != nil {
		perr := &PersistenceError{DownloadID: id, Status: to, Err: err}
		m.logger.Error("failed to persist status change", "err", perr)
		m.telemetry.RecordSystemError("manager", "persistence")
		m.notify(Notification{Type: KindError, DownloadID: id, Download: viewPtr(current), Error: errorPayload(perr)})

		return storage.Download{}, perr
	}

	m.downloads[id] = *saved
	m.telemetry.RecordTransition(current.Status.String(), saved.Status.String())

	m.logger.Debug("download status changed", "download_id", id, "from", current.Status, "to", saved.Status)

	return *saved, nil
}

// schedule promotes queued downloads while free active slots remain.
func (m *Manager) schedule(ctx context.Context) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		cerr := &ConfigurationError{Err: err}
		m.logger.Error("scheduling skipped", "err", cerr)
		m.telemetry.RecordSystemError("scheduler", "configuration")

		return
	}

	active, err := m.store.FindByStatus(ctx, m.accountID, storage.StatusActive)
	if err != nil {
		m.logger.Error("scheduling skipped: failed to count active downloads", "err", err)
		return
	}

	queued, err := m.store.FindByStatus(ctx, m.accountID, storage.StatusAcquired)
	if err != nil {
		m.logger.Error("scheduling skipped: failed to list queued downloads", "err", err)
		return
	}

	for _, d := range Plan(len(active), cfg.NumSimultaneousDownloads, queued) {
		if _, ok := m.downloads[d.ID]; !ok {
			m.downloads[d.ID] = d
		}

		promoted, err := m.transition(ctx, d.ID, storage.StatusActive, nil)
		if err != nil {
			continue
		}

		m.notify(Notification{Type: KindActive, DownloadID: promoted.ID, Download: viewPtr(promoted)})
		m.spawn(ctx, promoted, m.worker.Fetch)
	}
}

func (m *Manager) spawn(ctx context.Context, d storage.Download, fn func(context.Context, *storage.Premium, storage.Download, Mailbox)) {
	var premium *storage.Premium
	if m.premium != nil {
		p := *m.premium
		premium = &p
	}

	m.inflightMu.Lock()
	m.inflight[d.ID] = struct{}{}
	m.inflightMu.Unlock()

	go func() {
		defer func() {
			m.inflightMu.Lock()
			delete(m.inflight, d.ID)
			m.inflightMu.Unlock()
		}()

		fn(ctx, premium, d, m)
	}()
}

func (m *Manager) running(id string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	_, ok := m.inflight[id]

	return ok
}

// notify delivers n to the attached sink, if any, without blocking.
func (m *Manager) notify(n Notification) {
	if m.sink == nil {
		return
	}

	if !m.sink.Notify(n) {
		m.logger.Warn("subscriber mailbox full, notification dropped", "type", n.Type, "download_id", n.DownloadID)
		m.telemetry.RecordDroppedNotification()
	}
}

// announce reports terminal successes and failures through the Notifier.
func (m *Manager) announce(ctx context.Context, d storage.Download) {
	if m.notifier == nil {
		return
	}

	var content string

	switch d.Status {
	case storage.StatusCompleted:
		content = fmt.Sprintf("Download completed: %s", d.FileName())
	case storage.StatusError:
		content = fmt.Sprintf("Download failed: %s", d.Link)
	default:
		return
	}

	logger := m.logger

	go func() {
		if err := m.notifier.Notify(context.WithoutCancel(ctx), content); err != nil {
			logger.Error("failed to send notification", "download_id", d.ID, "err", err)
		}
	}()
}
