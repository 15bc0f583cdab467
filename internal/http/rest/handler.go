package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/storage"
	"github.com/italolelis/premium_downloader/internal/subscriber"
	"github.com/italolelis/premium_downloader/internal/supervisor"
)

// Handler serves the realtime socket and the admin endpoints.
type Handler struct {
	store       storage.Store
	subscribers *supervisor.Registry[*subscriber.Subscriber]
	locate      subscriber.Locator
	username    string
	password    string
	upgrader    websocket.Upgrader
}

func NewHandler(
	store storage.Store,
	subscribers *supervisor.Registry[*subscriber.Subscriber],
	locate subscriber.Locator,
	username, password string,
) *Handler {
	return &Handler{
		store:       store,
		subscribers: subscribers,
		locate:      locate,
		username:    username,
		password:    password,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/accounts/{accountID}/socket", h.HandleSocket)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Put("/accounts/{accountID}", h.HandlePutAccount)
		r.Put("/accounts/{accountID}/premium", h.HandlePutPremium)
		r.Get("/accounts/{accountID}/downloads", h.HandleListDownloads)
		r.Put("/config", h.HandlePutConfig)
	})

	return r
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" || h.password == "" {
			http.Error(w, "admin endpoints are disabled", http.StatusUnauthorized)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps storage errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *storage.ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error(), Fields: validationErr.Fields})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
