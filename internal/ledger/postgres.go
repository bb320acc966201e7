package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements Store over PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// pgTx adapts one *sqlx.Tx to the ledger.Tx surface.
type pgTx struct {
	tx *sqlx.Tx
}

// Tx runs fn in a serializable transaction.  Postgres serialization failures
// (40001) and deadlocks (40P01) surface as TransientIO so callers retry.
func (s *PostgresStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.TransientIO(fmt.Errorf("ledger.Tx: begin: %w", err))
	}
	if err = fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return translatePgErr(err)
	}
	if err = tx.Commit(); err != nil {
		return translatePgErr(fmt.Errorf("ledger.Tx: commit: %w", err))
	}
	return nil
}

// translatePgErr maps retryable driver failures onto ErrTransientIO and
// passes domain errors through untouched.
func translatePgErr(err error) error {
	if err == nil || domain.IsDeterministic(err) || errors.Is(err, domain.ErrDuplicate) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return domain.TransientIO(err)
		}
	}
	if errors.Is(err, domain.ErrTransientIO) {
		return err
	}
	return err
}

func (t *pgTx) LockAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	// Lazily create before locking; idempotent under races thanks to the
	// primary key.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, available, locked, version, frozen, updated_at)
		VALUES ($1, 0, 0, 0, FALSE, now())
		ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, domain.TransientIO(fmt.Errorf("ledger.LockAccount insert: %w", err))
	}

	var acct domain.Account
	err = t.tx.GetContext(ctx, &acct,
		`SELECT user_id, available, locked, version, frozen, updated_at
		 FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID)
	if err != nil {
		return nil, domain.TransientIO(fmt.Errorf("ledger.LockAccount lock: %w", err))
	}
	return &acct, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acct *domain.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET available = $1, locked = $2, version = $3, frozen = $4, updated_at = now()
		WHERE user_id = $5`,
		acct.Available, acct.Locked, acct.Version, acct.Frozen, acct.UserID)
	if err != nil {
		return domain.TransientIO(fmt.Errorf("ledger.SaveAccount: %w", err))
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, e *domain.LedgerEntry) (bool, error) {
	// The partial unique indexes on (user_id, op_type, client_id) and
	// (tx_hash, log_index) turn duplicates into a no-op insert.
	var id int64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO ledger (user_id, op_type, amount, client_id, round_id, tx_hash, log_index, bet_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT DO NOTHING
		RETURNING id`,
		e.UserID, e.OpType, e.Amount,
		e.Ref.ClientID, e.Ref.RoundID, e.Ref.TxHash, e.Ref.LogIndex, e.Ref.BetAmount,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // duplicate
	}
	if err != nil {
		return false, domain.TransientIO(fmt.Errorf("ledger.Append: %w", err))
	}
	e.ID = id
	return true, nil
}

func (t *pgTx) FindBetLock(ctx context.Context, userID, clientID uuid.UUID) (*domain.LedgerEntry, error) {
	row := t.tx.QueryRowxContext(ctx, `
		SELECT id, user_id, op_type, amount, client_id, round_id, tx_hash, log_index, bet_amount, created_at
		FROM ledger
		WHERE user_id = $1 AND op_type = $2 AND client_id = $3`,
		userID, domain.OpBetLock, clientID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoMatchingLock
	}
	if err != nil {
		return nil, domain.TransientIO(fmt.Errorf("ledger.FindBetLock: %w", err))
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.OpType, &e.Amount,
		&e.Ref.ClientID, &e.Ref.RoundID, &e.Ref.TxHash, &e.Ref.LogIndex, &e.Ref.BetAmount,
		&e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Non-transactional reads
// ──────────────────────────────────────────────────────────────────────────────

func (s *PostgresStore) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	var acct domain.Account
	err := s.db.GetContext(ctx, &acct,
		`SELECT user_id, available, locked, version, frozen, updated_at
		 FROM accounts WHERE user_id = $1`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Account{UserID: userID}, nil
	}
	if err != nil {
		return nil, domain.TransientIO(fmt.Errorf("ledger.GetAccount: %w", err))
	}
	return &acct, nil
}

func (s *PostgresStore) SetFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, available, locked, version, frozen, updated_at)
		VALUES ($1, 0, 0, 0, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET frozen = $2, updated_at = now()`,
		userID, frozen)
	if err != nil {
		return domain.TransientIO(fmt.Errorf("ledger.SetFrozen: %w", err))
	}
	return nil
}

func (s *PostgresStore) UserEntries(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, user_id, op_type, amount, client_id, round_id, tx_hash, log_index, bet_amount, created_at
		FROM ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, domain.TransientIO(fmt.Errorf("ledger.UserEntries: %w", err))
	}
	defer rows.Close()

	var out []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, domain.TransientIO(fmt.Errorf("ledger.UserEntries scan: %w", err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(available), 0), COALESCE(SUM(locked), 0) FROM accounts`).
		Scan(&t.SnapshotAvailable, &t.SnapshotLocked)
	if err != nil {
		return Totals{}, domain.TransientIO(fmt.Errorf("ledger.Totals snapshot: %w", err))
	}

	err = s.db.QueryRowxContext(ctx, `
		SELECT GREATEST(COALESCE(SUM(
			CASE op_type
				WHEN 'deposit'    THEN amount
				WHEN 'adjustment' THEN amount
				WHEN 'bet_win'    THEN amount - COALESCE(bet_amount, 0)
				WHEN 'withdraw'   THEN -amount
				WHEN 'bet_lose'   THEN -amount
				ELSE 0
			END), 0), 0)
		FROM ledger`).
		Scan(&t.Reconstructed)
	if err != nil {
		return Totals{}, domain.TransientIO(fmt.Errorf("ledger.Totals journal: %w", err))
	}
	return t, nil
}

func (s *PostgresStore) CheckpointGet(ctx context.Context) (uint64, error) {
	var height int64
	err := s.db.GetContext(ctx, &height,
		`SELECT last_scanned_block FROM indexer_checkpoint WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.TransientIO(fmt.Errorf("ledger.CheckpointGet: %w", err))
	}
	return uint64(height), nil
}

func (s *PostgresStore) CheckpointSet(ctx context.Context, height uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoint (id, last_scanned_block)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_scanned_block = $1`,
		int64(height))
	if err != nil {
		return domain.TransientIO(fmt.Errorf("ledger.CheckpointSet: %w", err))
	}
	return nil
}
