// Package events is the pub/sub layer between the game core and connected
// sessions: per-subscriber ordered delivery, bounded replay rings per topic
// group, and resume-after-reconnect.
package events

import (
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
)

// Topic names.  Every session subscribes to Global, Room, and its own
// UserTopic.
const (
	TopicGlobal = "global"
	TopicRoom   = "room"
)

// UserTopic returns the per-user topic name.
func UserTopic(userID uuid.UUID) string { return "user:" + userID.String() }

// Kind discriminates the tagged union of event payloads.
type Kind string

const (
	KindRoundOpened     Kind = "round_opened"
	KindRoundStarted    Kind = "round_started"
	KindMultiplierTick  Kind = "multiplier_tick"
	KindPlayerCashedOut Kind = "player_cashed_out"
	KindRoundCrashed    Kind = "round_crashed"
	KindRoundRevealed   Kind = "round_revealed"
	KindBetPlaced       Kind = "bet_placed"
	KindBalanceUpdate   Kind = "balance_update"
	KindChat            Kind = "chat"
	KindPaused          Kind = "paused"
	KindHistory         Kind = "history"
	KindError           Kind = "error"
)

// Event is one fan-out record.  IDs come from a single monotonically
// increasing sequence, so ordering within a topic is total and a client's
// last_event_id identifies its resume point across all its topics.
type Event struct {
	ID      uint64      `json:"event_id"`
	Kind    Kind        `json:"kind"`
	Topic   string      `json:"-"`
	Payload interface{} `json:"data"`
	At      time.Time   `json:"ts"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Payloads
// ──────────────────────────────────────────────────────────────────────────────

// RoundOpened announces the betting window with the fairness commitment.
type RoundOpened struct {
	RoundID       int64  `json:"round_id"`
	CommitHash    string `json:"commit_hash"`
	BetDeadlineMS int64  `json:"bet_deadline_ms"`
}

// RoundStarted marks the Running phase entry.
type RoundStarted struct {
	RoundID      int64 `json:"round_id"`
	ServerTimeMS int64 `json:"server_time_ms"`
}

// MultiplierTick carries the displayed multiplier ("1.47").
type MultiplierTick struct {
	M string `json:"m"`
}

// PlayerCashedOut announces a successful cashout to the room.
type PlayerCashedOut struct {
	UserID uuid.UUID        `json:"user_id"`
	M      string           `json:"m"`
	Payout domain.BaseUnits `json:"payout"`
}

// RoundCrashed carries the authoritative crash point.
type RoundCrashed struct {
	RoundID    int64  `json:"round_id"`
	CrashPoint string `json:"crash_point"`
}

// RoundRevealed exposes the seeds for independent verification.
type RoundRevealed struct {
	RoundID    int64  `json:"round_id"`
	ServerSeed string `json:"server_seed"`
	ClientSeed string `json:"client_seed"`
	Nonce      int64  `json:"nonce"`
}

// BetPlaced refreshes the aggregate bet list in the room.
type BetPlaced struct {
	RoundID int64            `json:"round_id"`
	UserID  uuid.UUID        `json:"user_id"`
	Stake   domain.BaseUnits `json:"stake"`
}

// BalanceUpdate is sent on the user's own topic after every balance change.
type BalanceUpdate struct {
	Available domain.BaseUnits `json:"available"`
	Locked    domain.BaseUnits `json:"locked"`
	Version   int64            `json:"version"`
}

// Chat is a room message.
type Chat struct {
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
}

// Paused announces that the scheduler refuses to open rounds (kill switch).
type Paused struct {
	Reason string `json:"reason"`
}

// History carries recent revealed rounds, broadcast during Settling.
type History struct {
	Rounds []domain.RevealedRound `json:"rounds"`
}

// ErrorPayload is a user-visible failure on the user topic.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
