package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/models"
)

const accountColumns = `id, name, base_url, api_password, is_active, created_at, updated_at`

func scanAccount(row scanner) (*models.ApiAccount, error) {
	var a models.ApiAccount
	if err := row.Scan(&a.ID, &a.Name, &a.BaseURL, &a.Password, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAccount inserts an account. Password must already be sealed. When
// the account is active every other account is deactivated in the same
// transaction.
func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *models.ApiAccount) (int64, error) {
	acct.CreatedAt = stamp(acct.CreatedAt)
	acct.UpdatedAt = stamp(acct.UpdatedAt)

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if acct.IsActive {
			if _, err := tx.ExecContext(ctx, `UPDATE api_accounts SET is_active = 0, updated_at = ? WHERE is_active = 1`, acct.UpdatedAt); err != nil {
				return fmt.Errorf("failed to deactivate accounts: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO api_accounts (name, base_url, api_password, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, acct.Name, acct.BaseURL, acct.Password, acct.IsActive, acct.CreatedAt, acct.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	acct.ID = id
	return id, nil
}

// LoadAccount returns the preferred account: the active one, else the
// most recently saved.
func (s *SQLiteStore) LoadAccount(ctx context.Context) (*models.ApiAccount, error) {
	var acct *models.ApiAccount
	err := s.read(ctx, func() error {
		var err error
		acct, err = scanAccount(s.db.QueryRowContext(ctx, `
			SELECT `+accountColumns+` FROM api_accounts ORDER BY is_active DESC, id DESC LIMIT 1
		`))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

// ActiveAccount returns the account flagged active.
func (s *SQLiteStore) ActiveAccount(ctx context.Context) (*models.ApiAccount, error) {
	var acct *models.ApiAccount
	err := s.read(ctx, func() error {
		var err error
		acct, err = scanAccount(s.db.QueryRowContext(ctx, `
			SELECT `+accountColumns+` FROM api_accounts WHERE is_active = 1 ORDER BY id DESC LIMIT 1
		`))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNoActiveAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active account: %w", err)
	}
	return acct, nil
}
