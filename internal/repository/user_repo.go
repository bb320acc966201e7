// Package repository holds the sqlx data access layer for users, rounds and
// bets.  Money persistence lives in the ledger package; these tables are
// identity and reporting.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UserRepository maps wallet addresses to stable account ids.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreateByWallet returns the user for a wallet, creating the row on
// first sight.  Wallets are stored lowercase.
func (r *UserRepository) GetOrCreateByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	wallet = strings.ToLower(wallet)
	var u domain.User
	err := r.db.GetContext(ctx, &u, `
		INSERT INTO users (id, wallet)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
		RETURNING id, wallet, created_at`,
		uuid.New(), wallet)
	if err != nil {
		return nil, fmt.Errorf("user_repo.GetOrCreateByWallet: %w", err)
	}
	return &u, nil
}

// GetByID fetches a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUnauthenticated
		}
		return nil, fmt.Errorf("user_repo.GetByID: %w", err)
	}
	return &u, nil
}

// ResolveWallet implements indexer.UserResolver: lookup only, never creates.
// Deposits from unknown wallets stay unattributed until the wallet signs in.
func (r *UserRepository) ResolveWallet(ctx context.Context, wallet string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.db.GetContext(ctx, &id,
		`SELECT id FROM users WHERE wallet = $1`, strings.ToLower(wallet))
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("user_repo.ResolveWallet: %w", err)
	}
	return id, true, nil
}
