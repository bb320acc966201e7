package domain

import (
	"fmt"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Phases
// ──────────────────────────────────────────────────────────────────────────────

// Phase is the scheduler-owned round lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBetting  Phase = "betting"
	PhaseRunning  Phase = "running"
	PhaseSettling Phase = "settling"
	PhaseRevealed Phase = "revealed"
)

// ──────────────────────────────────────────────────────────────────────────────
// Multiplier — integer hundredths
// ──────────────────────────────────────────────────────────────────────────────

// Multipliers are carried everywhere as integer hundredths ("x100"):
// 1.00× = 100, 2.37× = 237.  Floats appear only at the display/timing
// boundary and never in ledger arithmetic.

// MultiplierDen is the denominator of the x100 representation.
const MultiplierDen = 100

// FormatMultiplier renders an x100 multiplier as "2.37".
func FormatMultiplier(x100 uint64) string {
	return fmt.Sprintf("%d.%02d", x100/100, x100%100)
}

// ──────────────────────────────────────────────────────────────────────────────
// Round
// ──────────────────────────────────────────────────────────────────────────────

// Round is one pass of the crash state machine.  Round ids form a strictly
// increasing sequence; a round never reopens.  The server seed is stored at
// creation but exposed only after settlement (phase = revealed).
type Round struct {
	RoundID    int64      `json:"round_id"    db:"round_id"`
	CommitHash string     `json:"commit_hash" db:"commit_hash"` // hex SHA256(server_seed)
	ServerSeed string     `json:"-"           db:"server_seed"` // hex; revealed at end
	ClientSeed string     `json:"client_seed" db:"client_seed"`
	Nonce      int64      `json:"nonce"       db:"nonce"`
	CrashX100  uint64     `json:"-"           db:"crash_x100"` // hidden until crash
	Phase      Phase      `json:"phase"       db:"phase"`
	StartedAt  *time.Time `json:"started_at"  db:"started_at"`
	CrashedAt  *time.Time `json:"crashed_at"  db:"crashed_at"`
	CreatedAt  time.Time  `json:"created_at"  db:"created_at"`
}

// IsBetting reports whether the round currently accepts bets.
func (r *Round) IsBetting() bool { return r.Phase == PhaseBetting }

// IsRunning reports whether the multiplier is live.
func (r *Round) IsRunning() bool { return r.Phase == PhaseRunning }

// RevealedRound is the public post-settlement view used by the verifier and
// round history: all seeds exposed.
type RevealedRound struct {
	RoundID    int64     `json:"round_id"`
	CommitHash string    `json:"commit_hash"`
	ServerSeed string    `json:"server_seed"`
	ClientSeed string    `json:"client_seed"`
	Nonce      int64     `json:"nonce"`
	CrashPoint string    `json:"crash_point"` // "2.00"
	CrashX100  uint64    `json:"crash_x100"`
	CrashedAt  time.Time `json:"crashed_at"`
}

// Reveal builds the public view.  Call only after settlement.
func (r *Round) Reveal() RevealedRound {
	var crashedAt time.Time
	if r.CrashedAt != nil {
		crashedAt = *r.CrashedAt
	}
	return RevealedRound{
		RoundID:    r.RoundID,
		CommitHash: r.CommitHash,
		ServerSeed: r.ServerSeed,
		ClientSeed: r.ClientSeed,
		Nonce:      r.Nonce,
		CrashPoint: FormatMultiplier(r.CrashX100),
		CrashX100:  r.CrashX100,
		CrashedAt:  crashedAt,
	}
}
