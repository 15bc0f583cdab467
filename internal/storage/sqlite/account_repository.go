package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/premium_downloader/internal/storage"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(dbConn *sql.DB) *AccountRepository {
	return &AccountRepository{db: dbConn}
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	var (
		account   storage.Account
		createdAt string
	)

	err := r.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&account.ID, &account.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	if account.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("account %s has malformed created_at: %w", id, err)
	}

	return &account, nil
}

// SaveAccount creates the account or updates its name.
func (r *AccountRepository) SaveAccount(ctx context.Context, account *storage.Account) (*storage.Account, error) {
	if err := storage.ValidateAccount(account); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, account.ID, account.Name, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}

	return r.GetAccount(ctx, account.ID)
}

func (r *AccountRepository) GetPremium(ctx context.Context, accountID string) (*storage.Premium, error) {
	var premium storage.Premium

	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, username, password, provider_id FROM premiums WHERE account_id = ?`, accountID,
	).Scan(&premium.ID, &premium.AccountID, &premium.Username, &premium.Password, &premium.ProviderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("premium for account %s: %w", accountID, storage.ErrNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &premium, nil
}

// SavePremium stores the account's only credential, replacing a previous one.
func (r *AccountRepository) SavePremium(ctx context.Context, premium *storage.Premium) (*storage.Premium, error) {
	if err := storage.ValidatePremium(premium); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO premiums (account_id, username, password, provider_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			username = excluded.username,
			password = excluded.password,
			provider_id = excluded.provider_id
	`, premium.AccountID, premium.Username, premium.Password, premium.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("failed to save premium: %w", err)
	}

	return r.GetPremium(ctx, premium.AccountID)
}
