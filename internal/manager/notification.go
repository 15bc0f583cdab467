package manager

import (
	"sort"
	"time"

	"github.com/italolelis/premium_downloader/internal/storage"
)

type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindSaved     Kind = "saved"
	KindSaveError Kind = "save_error"
	KindNotFound  Kind = "not_found"
	KindAcquired  Kind = "acquired"
	KindActive    Kind = "active"
	KindStarted   Kind = "started"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// Notification is what the Manager emits towards the attached subscriber. It is
// written to the client as JSON unchanged.
type Notification struct {
	Type       Kind           `json:"type"`
	DownloadID string         `json:"download_id,omitempty"`
	Link       string         `json:"link,omitempty"`
	Download   *DownloadView  `json:"download,omitempty"`
	Downloads  []DownloadView `json:"downloads,omitempty"`
	Error      *ErrorPayload  `json:"error,omitempty"`
}

type DownloadView struct {
	ID        string         `json:"id"`
	Link      string         `json:"link"`
	RealURL   string         `json:"real_url,omitempty"`
	Status    storage.Status `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorPayload is the structured error carried by save_error and error notifications.
type ErrorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Sink receives notifications. Notify must not block; it returns false when the
// notification was dropped.
type Sink interface {
	Notify(n Notification) bool
}

func viewOf(d storage.Download) DownloadView {
	return DownloadView{
		ID:        d.ID,
		Link:      d.Link,
		RealURL:   d.RealURL,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
	}
}

func viewPtr(d storage.Download) *DownloadView {
	v := viewOf(d)

	return &v
}

func snapshotOf(downloads map[string]storage.Download) []DownloadView {
	views := make([]DownloadView, 0, len(downloads))
	for _, d := range downloads {
		views = append(views, viewOf(d))
	}

	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}

		return views[i].ID < views[j].ID
	})

	return views
}
