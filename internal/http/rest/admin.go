package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/premium_downloader/internal/storage"
)

type accountRequest struct {
	Name string `json:"name"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type premiumRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type premiumResponse struct {
	AccountID  string `json:"account_id"`
	Username   string `json:"username"`
	ProviderID string `json:"provider_id,omitempty"`
}

type configRequest struct {
	NumSimultaneousDownloads int `json:"num_simultaneous_downloads"`
}

type downloadResponse struct {
	ID        string         `json:"id"`
	Link      string         `json:"link"`
	RealURL   string         `json:"real_url,omitempty"`
	Status    storage.Status `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}

	return true
}

func (h *Handler) HandlePutAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := h.store.SaveAccount(r.Context(), &storage.Account{
		ID:   chi.URLParam(r, "accountID"),
		Name: req.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, accountResponse{ID: account.ID, Name: account.Name, CreatedAt: account.CreatedAt})
}

func (h *Handler) HandlePutPremium(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req premiumRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, r, err)
		return
	}

	next := &storage.Premium{
		AccountID: accountID,
		Username:  req.Username,
		Password:  req.Password,
	}

	// the provider id only stays valid for the same credential
	current, err := h.store.GetPremium(r.Context(), accountID)
	switch {
	case err == nil:
		if current.Username == next.Username && current.Password == next.Password {
			next.ProviderID = current.ProviderID
		}
	case !errors.Is(err, storage.ErrNotFound):
		writeError(w, r, err)
		return
	}

	premium, err := h.store.SavePremium(r.Context(), next)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, premiumResponse{
		AccountID:  premium.AccountID,
		Username:   premium.Username,
		ProviderID: premium.ProviderID,
	})
}

func (h *Handler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, r, err)
		return
	}

	downloads, err := h.store.ListDownloads(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]downloadResponse, 0, len(downloads))
	for _, d := range downloads {
		resp = append(resp, downloadResponse{
			ID:        d.ID,
			Link:      d.Link,
			RealURL:   d.RealURL,
			Status:    d.Status,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		})
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cfg, err := h.store.SaveConfig(r.Context(), &storage.Config{NumSimultaneousDownloads: req.NumSimultaneousDownloads})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, configRequest{NumSimultaneousDownloads: cfg.NumSimultaneousDownloads})
}
