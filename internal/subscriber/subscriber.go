package subscriber

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/manager"
)

const defaultMailboxSize = 64

var errManagerGone = errors.New("manager stopped accepting messages")

// Conn is the realtime transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Locator finds the account's Manager, starting one when none is running.
type Locator func(accountID string) (manager.Mailbox, error)

// Subscriber bridges one client connection to the account's Manager. It is
// the Manager's notification sink.
type Subscriber struct {
	accountID    string
	connectionID string
	conn         Conn
	locate       Locator

	mailbox chan manager.Notification
	frames  chan []byte

	readOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Subscriber)

// WithConnectionID tags the subscriber's logs with the id of the request that
// opened the connection.
func WithConnectionID(id string) Option {
	return func(s *Subscriber) {
		s.connectionID = id
	}
}

func New(accountID string, conn Conn, locate Locator, opts ...Option) *Subscriber {
	s := &Subscriber{
		accountID: accountID,
		conn:      conn,
		locate:    locate,
		mailbox:   make(chan manager.Notification, defaultMailboxSize),
		frames:    make(chan []byte),
		closed:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ConnectionID returns the id of the request that opened the connection.
func (s *Subscriber) ConnectionID() string {
	return s.connectionID
}

// Notify queues n for the client. It never blocks and returns false when the
// mailbox is full.
func (s *Subscriber) Notify(n manager.Notification) bool {
	select {
	case s.mailbox <- n:
		return true
	default:
		return false
	}
}

// Stop closes the transport. Run then detaches from the Manager and returns.
func (s *Subscriber) Stop() {
	_ = s.conn.Close()
}

// Close releases the transport once supervision ended.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Subscriber) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("account_id", s.accountID, "component", "subscriber")
	if s.connectionID != "" {
		logger = logger.With("connection_id", s.connectionID)
	}

	// One reader per connection, shared by every run.
	s.readOnce.Do(func() {
		go s.readLoop()
	})

	mgr, err := s.locate(s.accountID)
	if err != nil {
		return err
	}

	if !mgr.Send(manager.SubscriberConnect{Sink: s}) {
		return errManagerGone
	}

	logger.Info("subscriber attached")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-s.mailbox:
			if err := s.conn.WriteJSON(n); err != nil {
				logger.Warn("failed to write notification, detaching", "type", n.Type, "err", err)
				mgr.Send(manager.SubscriberDisconnect{Sink: s})

				return nil
			}
		case data, ok := <-s.frames:
			if !ok {
				logger.Info("client disconnected")
				mgr.Send(manager.SubscriberDisconnect{Sink: s})

				return nil
			}

			msg, err := Decode(data)
			if err != nil {
				logger.Warn("dropping client frame", "err", err)
				continue
			}

			if !mgr.Send(msg) {
				return errManagerGone
			}
		}
	}
}

func (s *Subscriber) readLoop() {
	defer close(s.frames)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		select {
		case s.frames <- data:
		case <-s.closed:
			return
		}
	}
}
