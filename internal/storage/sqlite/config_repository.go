package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/premium_downloader/internal/storage"
)

type ConfigRepository struct {
	db *sql.DB
}

func NewConfigRepository(dbConn *sql.DB) *ConfigRepository {
	return &ConfigRepository{db: dbConn}
}

// GetConfig reads the global record; it is never cached.
func (r *ConfigRepository) GetConfig(ctx context.Context) (*storage.Config, error) {
	var cfg storage.Config

	err := r.db.QueryRowContext(ctx, `SELECT num_simultaneous_downloads FROM config WHERE id = 1`).
		Scan(&cfg.NumSimultaneousDownloads)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config: %w", storage.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (r *ConfigRepository) SaveConfig(ctx context.Context, cfg *storage.Config) (*storage.Config, error) {
	if err := storage.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (id, num_simultaneous_downloads) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET num_simultaneous_downloads = excluded.num_simultaneous_downloads
	`, cfg.NumSimultaneousDownloads)
	if err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	return r.GetConfig(ctx)
}

// SeedConfig writes the record only when none exists yet.
func (r *ConfigRepository) SeedConfig(ctx context.Context, numSimultaneousDownloads int) error {
	if err := storage.ValidateConfig(&storage.Config{NumSimultaneousDownloads: numSimultaneousDownloads}); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO config (id, num_simultaneous_downloads) VALUES (1, ?)`, numSimultaneousDownloads)

	return err
}
