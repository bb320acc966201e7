package domain

import (
	"time"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetState represents the lifecycle of a wager within one round.
type BetState string

const (
	BetPlaced    BetState = "placed"     // stake locked, round not yet decided
	BetCashedOut BetState = "cashed_out" // exited before the crash
	BetLost      BetState = "lost"       // still in at crash time
	BetCancelled BetState = "cancelled"  // round aborted; stake returned
)

// MinAutoCashoutX100 is the lowest accepted auto-cashout multiplier (1.01×).
const MinAutoCashoutX100 = 101

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet is a single stake inside one round.  A bet exists only for that round
// and terminates at settlement.  ClientID is the caller-supplied idempotency
// key and ties the bet to its bet_lock / bet_win / bet_lose ledger entries.
type Bet struct {
	BetID           uuid.UUID  `json:"bet_id"                 db:"bet_id"`
	RoundID         int64      `json:"round_id"               db:"round_id"`
	UserID          uuid.UUID  `json:"user_id"                db:"user_id"`
	Stake           BaseUnits  `json:"stake"                  db:"stake"`
	AutoCashoutX100 *uint64    `json:"auto_cashout,omitempty" db:"auto_cashout_x100"`
	State           BetState   `json:"state"                  db:"state"`
	CashoutX100     *uint64    `json:"cashout_multiplier,omitempty" db:"cashout_x100"`
	Payout          *BaseUnits `json:"payout,omitempty"       db:"payout"`
	ClientID        uuid.UUID  `json:"client_id"              db:"client_id"`
	PlacedAt        time.Time  `json:"placed_at"              db:"placed_at"`
	SettledAt       *time.Time `json:"settled_at,omitempty"   db:"settled_at"`
}

// IsOpen reports whether the bet can still cash out.
func (b *Bet) IsOpen() bool { return b.State == BetPlaced }

// PayoutAt computes floor(stake × m) for an x100 multiplier.  Integer-ratio
// arithmetic only; the display float never touches money.
func (b *Bet) PayoutAt(multiplierX100 uint64) (BaseUnits, error) {
	return b.Stake.MulRatio(multiplierX100, MultiplierDen)
}
