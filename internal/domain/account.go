// Package domain holds the core entities and value types of the crash
// wagering service: exact money, accounts, the append-only ledger, rounds,
// and bets.  Nothing in this package performs I/O.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────────────────────────────────

// Account is the snapshot balance row for one user.  It is derived state:
// the append-only ledger is the source of truth, and the solvency watchdog
// reconciles the two continuously.
//
// Version increases by exactly one on every state-changing write and drives
// optimistic concurrency for bet placement.
type Account struct {
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	Available BaseUnits `json:"available"  db:"available"`
	Locked    BaseUnits `json:"locked"     db:"locked"`
	Version   int64     `json:"version"    db:"version"`
	Frozen    bool      `json:"frozen"     db:"frozen"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Balance is the wire-facing view of an account returned by every balance
// engine operation.
type Balance struct {
	Available BaseUnits `json:"available"`
	Locked    BaseUnits `json:"locked"`
	Version   int64     `json:"version"`
}

// BalanceView extracts the wire view from an account snapshot.
func (a *Account) BalanceView() Balance {
	return Balance{Available: a.Available, Locked: a.Locked, Version: a.Version}
}

// ──────────────────────────────────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────────────────────────────────

// OpType enumerates journal entry kinds.
type OpType string

const (
	OpDeposit    OpType = "deposit"
	OpWithdraw   OpType = "withdraw"
	OpBetLock    OpType = "bet_lock"
	OpBetWin     OpType = "bet_win"
	OpBetLose    OpType = "bet_lose"
	OpAdjustment OpType = "adjustment"
)

// LedgerRef is the structured reference carried by a journal entry.  For
// client-initiated operations ClientID is the idempotency key; for
// chain-initiated deposits TxHash/LogIndex are.
type LedgerRef struct {
	ClientID  *uuid.UUID `json:"client_id,omitempty"  db:"client_id"`
	RoundID   *int64     `json:"round_id,omitempty"   db:"round_id"`
	TxHash    *string    `json:"tx_hash,omitempty"    db:"tx_hash"`
	LogIndex  *int64     `json:"log_index,omitempty"  db:"log_index"`
	BetAmount *BaseUnits `json:"bet_amount,omitempty" db:"bet_amount"`
}

// LedgerEntry is one immutable journal row.  Entries are only ever inserted;
// a unique index on (user_id, op_type, client_id) — and (tx_hash, log_index)
// for deposits — makes every insert idempotent.
type LedgerEntry struct {
	ID        int64     `json:"id"         db:"id"`
	UserID    uuid.UUID `json:"user_id"    db:"user_id"`
	OpType    OpType    `json:"op_type"    db:"op_type"`
	Amount    BaseUnits `json:"amount"     db:"amount"`
	Ref       LedgerRef `json:"ref"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Signed returns the entry's contribution to available+locked: credits are
// positive, debits negative, bet_lock is neutral (moves available → locked).
func (e *LedgerEntry) Signed() int {
	switch e.OpType {
	case OpDeposit, OpBetWin, OpAdjustment:
		return +1
	case OpWithdraw, OpBetLose:
		return -1
	default:
		return 0
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User maps a wallet address to a stable account id.  Created lazily on
// first authentication or first attributed deposit.
type User struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	Wallet    string    `json:"wallet"     db:"wallet"` // 0x-prefixed, lowercase
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
