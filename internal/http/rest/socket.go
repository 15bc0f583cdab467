package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/subscriber"
	"github.com/italolelis/premium_downloader/internal/supervisor"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

const replaceTimeout = 5 * time.Second

// HandleSocket upgrades the request to a websocket and attaches it as the
// account's subscriber. An existing subscriber is stopped first.
func (h *Handler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	logger := logctx.LoggerFromContext(r.Context()).With("account_id", accountID)

	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied to the client
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	key := supervisor.SubscriberKey(accountID)

	if previous, ok := h.subscribers.Lookup(key); ok {
		logger.Info("replacing connected subscriber", "previous_connection_id", previous.ConnectionID())
		previous.Stop()

		ctx, cancel := context.WithTimeout(r.Context(), replaceTimeout)
		err := h.subscribers.AwaitExit(ctx, key)
		cancel()

		if err != nil {
			logger.Error("previous subscriber did not stop", "err", err)
			conn.Close()

			return
		}
	}

	sub := subscriber.New(accountID, conn, h.locate, subscriber.WithConnectionID(telemetry.GetRequestID(r.Context())))

	_, created, err := h.subscribers.Start(key, func() (*subscriber.Subscriber, error) {
		return sub, nil
	})
	if err != nil {
		logger.Error("failed to start subscriber", "err", err)
		conn.Close()

		return
	}

	if !created {
		logger.Warn("another connection attached first, closing this one")
		conn.Close()

		return
	}

	logger.Info("websocket connected", "remote_addr", r.RemoteAddr)
}
