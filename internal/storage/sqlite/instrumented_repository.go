package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/premium_downloader/internal/storage"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

// InstrumentedStore wraps a storage.Store with telemetry.
type InstrumentedStore struct {
	store     storage.Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store storage.Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

func instrument[T any](ctx context.Context, tel *telemetry.Telemetry, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	return instrument(ctx, s.telemetry, "get_account", func(ctx context.Context) (*storage.Account, error) {
		return s.store.GetAccount(ctx, id)
	})
}

func (s *InstrumentedStore) SaveAccount(ctx context.Context, account *storage.Account) (*storage.Account, error) {
	return instrument(ctx, s.telemetry, "save_account", func(ctx context.Context) (*storage.Account, error) {
		return s.store.SaveAccount(ctx, account)
	})
}

func (s *InstrumentedStore) GetPremium(ctx context.Context, accountID string) (*storage.Premium, error) {
	return instrument(ctx, s.telemetry, "get_premium", func(ctx context.Context) (*storage.Premium, error) {
		return s.store.GetPremium(ctx, accountID)
	})
}

func (s *InstrumentedStore) SavePremium(ctx context.Context, premium *storage.Premium) (*storage.Premium, error) {
	return instrument(ctx, s.telemetry, "save_premium", func(ctx context.Context) (*storage.Premium, error) {
		return s.store.SavePremium(ctx, premium)
	})
}

func (s *InstrumentedStore) GetConfig(ctx context.Context) (*storage.Config, error) {
	return instrument(ctx, s.telemetry, "get_config", s.store.GetConfig)
}

func (s *InstrumentedStore) SaveConfig(ctx context.Context, cfg *storage.Config) (*storage.Config, error) {
	return instrument(ctx, s.telemetry, "save_config", func(ctx context.Context) (*storage.Config, error) {
		return s.store.SaveConfig(ctx, cfg)
	})
}

func (s *InstrumentedStore) CreateDownload(ctx context.Context, d *storage.Download) (*storage.Download, error) {
	return instrument(ctx, s.telemetry, "create_download", func(ctx context.Context) (*storage.Download, error) {
		return s.store.CreateDownload(ctx, d)
	})
}

func (s *InstrumentedStore) UpdateDownload(ctx context.Context, d *storage.Download) (*storage.Download, error) {
	return instrument(ctx, s.telemetry, "update_download", func(ctx context.Context) (*storage.Download, error) {
		return s.store.UpdateDownload(ctx, d)
	})
}

func (s *InstrumentedStore) GetDownload(ctx context.Context, id string) (*storage.Download, error) {
	return instrument(ctx, s.telemetry, "get_download", func(ctx context.Context) (*storage.Download, error) {
		return s.store.GetDownload(ctx, id)
	})
}

func (s *InstrumentedStore) FindByStatus(ctx context.Context, accountID string, status storage.Status) ([]storage.Download, error) {
	return instrument(ctx, s.telemetry, "find_by_status", func(ctx context.Context) ([]storage.Download, error) {
		return s.store.FindByStatus(ctx, accountID, status)
	})
}

func (s *InstrumentedStore) ListDownloads(ctx context.Context, accountID string) ([]storage.Download, error) {
	return instrument(ctx, s.telemetry, "list_downloads", func(ctx context.Context) ([]storage.Download, error) {
		return s.store.ListDownloads(ctx, accountID)
	})
}

func (s *InstrumentedStore) CompletedBefore(ctx context.Context, cutoff time.Time) ([]storage.Download, error) {
	return instrument(ctx, s.telemetry, "completed_before", func(ctx context.Context) ([]storage.Download, error) {
		return s.store.CompletedBefore(ctx, cutoff)
	})
}
