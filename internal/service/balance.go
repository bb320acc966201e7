// Package service holds the money-moving core: the balance engine over the
// ledger store, and the solvency watchdog that audits it.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Injected interfaces
// ──────────────────────────────────────────────────────────────────────────────

// BalancePublisher receives post-commit balance updates for fan-out on the
// user's topic.  Implemented by the events bus adapter.
type BalancePublisher interface {
	PublishBalance(userID uuid.UUID, balance domain.Balance)
}

// CreditGuard lets the solvency watchdog veto win credits that would breach
// the liability limit.  Implemented by SolvencyService.
type CreditGuard interface {
	AllowCredit(amount domain.BaseUnits) error
}

// ──────────────────────────────────────────────────────────────────────────────
// BalanceEngine
// ──────────────────────────────────────────────────────────────────────────────

// BalanceEngine implements the four atomic money operations.  Every
// operation runs inside one serializable ledger transaction with the
// account row locked; idempotency comes from attempting the journal insert
// first and skipping the account update when it collides.
//
// The engine never retries: deterministic failures go back to the caller
// unchanged and TransientIO failures are the caller's to retry with backoff.
type BalanceEngine struct {
	store     ledger.Store
	kill      *Switch
	guard     CreditGuard      // optional
	publisher BalancePublisher // optional
	logger    *slog.Logger
}

// NewBalanceEngine creates a BalanceEngine.
func NewBalanceEngine(store ledger.Store, kill *Switch, logger *slog.Logger) *BalanceEngine {
	return &BalanceEngine{store: store, kill: kill, logger: logger}
}

// SetCreditGuard injects the solvency guard post-construction.
func (e *BalanceEngine) SetCreditGuard(g CreditGuard) { e.guard = g }

// SetPublisher injects the event bus adapter post-construction.
func (e *BalanceEngine) SetPublisher(p BalancePublisher) { e.publisher = p }

// Store exposes the underlying ledger store for read-only consumers.
func (e *BalanceEngine) Store() ledger.Store { return e.store }

// GetBalance returns the current snapshot for a user.
func (e *BalanceEngine) GetBalance(ctx context.Context, userID uuid.UUID) (domain.Balance, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance.GetBalance: %w", err)
	}
	return acct.BalanceView(), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// PlaceBet
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBet locks stake for a round: available −= amount, locked += amount,
// one bet_lock journal entry, version += 1.
//
// A replay of the same (user, client_id) is a no-op returning current state.
// Fails with InsufficientFunds, VersionConflict, Frozen, or KillSwitch.
func (e *BalanceEngine) PlaceBet(
	ctx context.Context,
	userID uuid.UUID,
	amount domain.BaseUnits,
	roundID int64,
	clientID uuid.UUID,
	expectedVersion int64,
) (domain.Balance, error) {
	if !amount.IsPositive() {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	if e.kill != nil && e.kill.Engaged() {
		return domain.Balance{}, domain.ErrKillSwitch
	}

	var out domain.Balance
	var replay bool
	err := e.store.Tx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		// Journal first: a colliding client_id means the bet is already
		// locked and the snapshot must not move again.
		inserted, err := tx.Append(ctx, &domain.LedgerEntry{
			UserID: userID,
			OpType: domain.OpBetLock,
			Amount: amount,
			Ref:    domain.LedgerRef{ClientID: &clientID, RoundID: &roundID},
		})
		if err != nil {
			return err
		}
		if !inserted {
			replay = true
			out = acct.BalanceView()
			return nil
		}

		if acct.Frozen {
			return domain.ErrFrozen
		}
		if acct.Version != expectedVersion {
			return domain.ErrVersionConflict
		}
		if acct.Available.LessThan(amount) {
			return domain.ErrInsufficientFunds
		}

		acct.Available, err = acct.Available.Sub(amount)
		if err != nil {
			return err
		}
		acct.Locked = acct.Locked.Add(amount)
		acct.Version++
		if err = tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct.BalanceView()
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	if !replay {
		e.publish(userID, out)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ProcessWin
// ──────────────────────────────────────────────────────────────────────────────

// ProcessWin settles a cashed-out bet: locked −= betAmount, available +=
// winAmount, one bet_win journal entry carrying the consumed stake in its
// ref.  Requires a matching bet_lock.  The kill switch does not block wins —
// in-flight bets always complete — but the solvency guard may.
func (e *BalanceEngine) ProcessWin(
	ctx context.Context,
	userID uuid.UUID,
	winAmount, betAmount domain.BaseUnits,
	roundID int64,
	clientID uuid.UUID,
) (domain.Balance, error) {
	if e.guard != nil {
		if err := e.guard.AllowCredit(winAmount); err != nil {
			return domain.Balance{}, err
		}
	}

	var out domain.Balance
	var replay bool
	err := e.store.Tx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		lock, err := tx.FindBetLock(ctx, userID, clientID)
		if err != nil {
			return err
		}
		if !lock.Amount.Equal(betAmount) {
			return fmt.Errorf("%w: locked %s, settling %s",
				domain.ErrNoMatchingLock, lock.Amount, betAmount)
		}

		inserted, err := tx.Append(ctx, &domain.LedgerEntry{
			UserID: userID,
			OpType: domain.OpBetWin,
			Amount: winAmount,
			Ref:    domain.LedgerRef{ClientID: &clientID, RoundID: &roundID, BetAmount: &betAmount},
		})
		if err != nil {
			return err
		}
		if !inserted {
			replay = true
			out = acct.BalanceView()
			return nil
		}

		acct.Locked, err = acct.Locked.Sub(betAmount)
		if err != nil {
			return fmt.Errorf("%w: lock release underflow", domain.ErrNoMatchingLock)
		}
		acct.Available = acct.Available.Add(winAmount)
		acct.Version++
		if err = tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct.BalanceView()
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	if !replay {
		e.publish(userID, out)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ProcessLoss
// ──────────────────────────────────────────────────────────────────────────────

// ProcessLoss settles a crashed bet: locked −= betAmount with one bet_lose
// entry.  Requires a matching bet_lock.
func (e *BalanceEngine) ProcessLoss(
	ctx context.Context,
	userID uuid.UUID,
	betAmount domain.BaseUnits,
	roundID int64,
	clientID uuid.UUID,
) (domain.Balance, error) {
	var out domain.Balance
	var replay bool
	err := e.store.Tx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		lock, err := tx.FindBetLock(ctx, userID, clientID)
		if err != nil {
			return err
		}
		if !lock.Amount.Equal(betAmount) {
			return fmt.Errorf("%w: locked %s, settling %s",
				domain.ErrNoMatchingLock, lock.Amount, betAmount)
		}

		inserted, err := tx.Append(ctx, &domain.LedgerEntry{
			UserID: userID,
			OpType: domain.OpBetLose,
			Amount: betAmount,
			Ref:    domain.LedgerRef{ClientID: &clientID, RoundID: &roundID},
		})
		if err != nil {
			return err
		}
		if !inserted {
			replay = true
			out = acct.BalanceView()
			return nil
		}

		acct.Locked, err = acct.Locked.Sub(betAmount)
		if err != nil {
			return fmt.Errorf("%w: lock release underflow", domain.ErrNoMatchingLock)
		}
		acct.Version++
		if err = tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct.BalanceView()
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	if !replay {
		e.publish(userID, out)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// RecordDeposit
// ──────────────────────────────────────────────────────────────────────────────

// RecordDeposit credits a confirmed on-chain transfer exactly once, keyed by
// (tx_hash, log_index).  Replays are silent no-ops.  Deposits credit even
// with the kill switch engaged.
func (e *BalanceEngine) RecordDeposit(
	ctx context.Context,
	txHash string,
	logIndex int64,
	userID uuid.UUID,
	amount domain.BaseUnits,
) (domain.Balance, error) {
	if !amount.IsPositive() {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	var out domain.Balance
	var replay bool
	err := e.store.Tx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		inserted, err := tx.Append(ctx, &domain.LedgerEntry{
			UserID: userID,
			OpType: domain.OpDeposit,
			Amount: amount,
			Ref:    domain.LedgerRef{TxHash: &txHash, LogIndex: &logIndex},
		})
		if err != nil {
			return err
		}
		if !inserted {
			replay = true
			out = acct.BalanceView()
			return nil
		}

		acct.Available = acct.Available.Add(amount)
		acct.Version++
		if err = tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		out = acct.BalanceView()
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}
	if replay {
		e.logger.Debug("duplicate deposit ignored", "tx_hash", txHash, "log_index", logIndex)
		return out, nil
	}
	e.logger.Info("deposit credited",
		"user", userID, "amount", amount.Token(), "tx_hash", txHash, "log_index", logIndex)
	e.publish(userID, out)
	return out, nil
}

func (e *BalanceEngine) publish(userID uuid.UUID, b domain.Balance) {
	if e.publisher != nil {
		e.publisher.PublishBalance(userID, b)
	}
}
