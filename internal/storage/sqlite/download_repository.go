package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/premium_downloader/internal/storage"
)

const downloadColumns = `id, account_id, link, real_url, status, created_at, updated_at`

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

// CreateDownload inserts a new record. CreatedAt defaults to now and drives scheduling order.
func (r *DownloadRepository) CreateDownload(ctx context.Context, d *storage.Download) (*storage.Download, error) {
	record := *d

	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	record.UpdatedAt = record.CreatedAt

	if err := storage.ValidateDownload(&record); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (`+downloadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.AccountID, record.Link, record.RealURL, string(record.Status),
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create download: %w", err)
	}

	return r.GetDownload(ctx, record.ID)
}

// UpdateDownload writes status and real URL of an existing record.
func (r *DownloadRepository) UpdateDownload(ctx context.Context, d *storage.Download) (*storage.Download, error) {
	if err := storage.ValidateDownload(d); err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, real_url = ?, updated_at = ? WHERE id = ? AND account_id = ?`,
		string(d.Status), d.RealURL, formatTime(r.now()), d.ID, d.AccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		return nil, fmt.Errorf("download %s: %w", d.ID, storage.ErrNotFound)
	}

	return r.GetDownload(ctx, d.ID)
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &d, nil
}

// FindByStatus returns downloads of an account in status, earliest created first.
// The id breaks ties so the order is total.
func (r *DownloadRepository) FindByStatus(ctx context.Context, accountID string, status storage.Status) ([]storage.Download, error) {
	return r.query(ctx,
		`SELECT `+downloadColumns+` FROM downloads
		WHERE account_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`,
		accountID, string(status))
}

func (r *DownloadRepository) ListDownloads(ctx context.Context, accountID string) ([]storage.Download, error) {
	return r.query(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE account_id = ? ORDER BY created_at ASC, id ASC`,
		accountID)
}

func (r *DownloadRepository) CompletedBefore(ctx context.Context, cutoff time.Time) ([]storage.Download, error) {
	return r.query(ctx,
		`SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`,
		string(storage.StatusCompleted), formatTime(cutoff))
}

func (r *DownloadRepository) query(ctx context.Context, q string, args ...any) ([]storage.Download, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, d)
	}

	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (storage.Download, error) {
	var (
		d                    storage.Download
		status               string
		createdAt, updatedAt string
	)

	if err := s.Scan(&d.ID, &d.AccountID, &d.Link, &d.RealURL, &status, &createdAt, &updatedAt); err != nil {
		return d, err
	}

	var err error

	if d.Status, err = storage.ParseStatus(status); err != nil {
		return d, fmt.Errorf("download %s: %w", d.ID, err)
	}

	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, fmt.Errorf("download %s has malformed created_at: %w", d.ID, err)
	}

	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return d, fmt.Errorf("download %s has malformed updated_at: %w", d.ID, err)
	}

	return d, nil
}
