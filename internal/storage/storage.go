package storage

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"time"
)

// Account is a hosting-provider login context. Every download belongs to one.
type Account struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Premium is the stored credential used to authenticate downloads for an Account.
type Premium struct {
	ID         int64
	AccountID  string
	Username   string
	Password   string
	ProviderID string
}

// Config is the single global scheduling record.
type Config struct {
	NumSimultaneousDownloads int
}

// Download is one requested file and its lifecycle status.
type Download struct {
	ID        string
	AccountID string
	Link      string
	RealURL   string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FileName is the name the fetched file is stored under.
func (d Download) FileName() string {
	u, err := url.Parse(d.RealURL)
	if err != nil || u.Path == "" {
		return d.ID
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return d.ID
	}

	return d.ID + "-" + name
}

// LocalPath is where the fetched file lives below dir.
func (d Download) LocalPath(dir string) string {
	return filepath.Join(dir, d.AccountID, d.FileName())
}

type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, account *Account) (*Account, error)
	GetPremium(ctx context.Context, accountID string) (*Premium, error)
	SavePremium(ctx context.Context, premium *Premium) (*Premium, error)
}

type ConfigRepository interface {
	GetConfig(ctx context.Context) (*Config, error)
	SaveConfig(ctx context.Context, cfg *Config) (*Config, error)
}

// DownloadRepository persists download records. Create and Update return the
// saved record or a *ValidationError / wrapped driver error; they never retry.
type DownloadRepository interface {
	CreateDownload(ctx context.Context, d *Download) (*Download, error)
	UpdateDownload(ctx context.Context, d *Download) (*Download, error)
	GetDownload(ctx context.Context, id string) (*Download, error)
	// FindByStatus returns the account's downloads in status, earliest created first, ties broken by id.
	FindByStatus(ctx context.Context, accountID string, status Status) ([]Download, error)
	ListDownloads(ctx context.Context, accountID string) ([]Download, error)
	// CompletedBefore returns COMPLETED downloads of every account last updated before cutoff.
	CompletedBefore(ctx context.Context, cutoff time.Time) ([]Download, error)
}

// Store is everything the coordinator consumes from persistence.
type Store interface {
	AccountRepository
	ConfigRepository
	DownloadRepository
}
