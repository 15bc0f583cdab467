package sqlite

import "database/sql"

// Store bundles the repositories into a storage.Store.
type Store struct {
	*AccountRepository
	*ConfigRepository
	*DownloadRepository
}

func NewStore(dbConn *sql.DB) *Store {
	return &Store{
		AccountRepository:  NewAccountRepository(dbConn),
		ConfigRepository:   NewConfigRepository(dbConn),
		DownloadRepository: NewDownloadRepository(dbConn),
	}
}
