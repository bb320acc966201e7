// Package ledger is the persistence layer for money: an append-only journal
// plus snapshot accounts with optimistic-concurrency versions, and the
// single-row indexer checkpoint.
//
// The journal is the source of truth.  Every insert is idempotent: a unique
// index on (user_id, op_type, client_id) — and (tx_hash, log_index) for
// chain deposits — turns replays into silent no-ops.  Snapshot accounts are
// derived state, reconciled continuously by the solvency watchdog.
//
// Two implementations exist: Postgres (production) and an in-memory store
// with the same transactional semantics, used by unit tests.
package ledger

import (
	"context"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
)

// Tx is the handle passed to a transactional function.  All operations on a
// Tx happen inside one serializable transaction; LockAccount takes a
// row-level lock that serializes concurrent writers per user.
type Tx interface {
	// LockAccount loads the account row FOR UPDATE, creating it with zero
	// balances if absent.  The row stays locked until the transaction ends.
	LockAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)

	// SaveAccount writes back available/locked/version/frozen for a row
	// previously locked in this transaction.
	SaveAccount(ctx context.Context, acct *domain.Account) error

	// Append inserts a journal entry.  Returns false when the entry collides
	// with an idempotency index; the journal is left untouched in that case.
	Append(ctx context.Context, e *domain.LedgerEntry) (bool, error)

	// FindBetLock returns the bet_lock entry for (userID, clientID), or
	// domain.ErrNoMatchingLock.
	FindBetLock(ctx context.Context, userID, clientID uuid.UUID) (*domain.LedgerEntry, error)
}

// Totals is the solvency watchdog's view of the store.
type Totals struct {
	// Snapshot side: sums over the accounts table.
	SnapshotAvailable domain.BaseUnits
	SnapshotLocked    domain.BaseUnits

	// Journal side: balance reconstructed from signed entries.
	// reconstructed = Σdeposit + Σbet_win − Σwithdraw − Σbet_lose
	//                 − Σ bet_win.ref.bet_amount   (stakes consumed by wins)
	// Open bet_locks move money between available and locked and are neutral.
	Reconstructed domain.BaseUnits
}

// Store is the relational persistence surface consumed by the balance
// engine, the indexer, and the solvency watchdog.
type Store interface {
	// Tx runs fn inside a serializable transaction, committing when fn
	// returns nil and rolling back otherwise.
	Tx(ctx context.Context, fn func(tx Tx) error) error

	// GetAccount returns a snapshot of the account, a zero-balance snapshot
	// if the user has no row yet.
	GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error)

	// SetFrozen flips the admin freeze flag, creating the account if needed.
	SetFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error

	// UserEntries returns the user's journal, newest first.
	UserEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.LedgerEntry, error)

	// Totals aggregates both sides of the solvency reconciliation.
	Totals(ctx context.Context) (Totals, error)

	// CheckpointGet returns the indexer's last scanned block (0 if unset).
	CheckpointGet(ctx context.Context) (uint64, error)

	// CheckpointSet advances the indexer checkpoint.
	CheckpointSet(ctx context.Context, height uint64) error
}
