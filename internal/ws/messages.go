// Package ws is the WebSocket transport: one Session per connection, inbound
// command dispatch, and outbound delivery from the event bus with
// resume-after-reconnect.  messages.go defines the wire types.
package ws

import (
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/game"
	"github.com/google/uuid"
)

// MsgType identifies inbound commands and session-level replies.  Broadcast
// traffic is delivered as events.Event envelopes and is typed by its kind.
type MsgType string

const (
	// Inbound commands.
	MsgHello    MsgType = "hello"
	MsgAuth     MsgType = "auth"
	MsgPlaceBet MsgType = "place_bet"
	MsgCashOut  MsgType = "cash_out"
	MsgChat     MsgType = "chat"
	MsgResume   MsgType = "resume"
	MsgPing     MsgType = "ping"

	// Session-level replies.
	MsgChallenge  MsgType = "challenge"
	MsgAuthOK     MsgType = "auth_ok"
	MsgBetAck     MsgType = "bet_ack"
	MsgCashOutAck MsgType = "cash_out_ack"
	MsgChatAck    MsgType = "chat_ack"
	MsgPong       MsgType = "pong"
	MsgResync     MsgType = "resync_required"
	MsgError      MsgType = "error"
)

// ClientMessage is the inbound tagged union.  Unused fields stay empty.
type ClientMessage struct {
	Type MsgType `json:"type"`

	// auth: either a wallet signature over the session challenge or a
	// previously issued session token.
	Wallet    string `json:"wallet,omitempty"`
	Signature string `json:"signature,omitempty"`
	Token     string `json:"token,omitempty"`

	// place_bet
	Amount          string `json:"amount,omitempty"`       // decimal token string
	AutoCashout     string `json:"auto_cashout,omitempty"` // "2.00", optional
	ClientID        string `json:"client_id,omitempty"`    // uuid idempotency key
	ExpectedVersion int64  `json:"expected_version,omitempty"`

	// chat
	Message string `json:"message,omitempty"`

	// resume
	LastEventID uint64 `json:"last_event_id,omitempty"`
}

// ChallengeReply carries the single-use nonce a wallet login must sign.
// Answers a hello message; a fresh hello replaces any outstanding nonce.
type ChallengeReply struct {
	Type  MsgType `json:"type"`
	Nonce string  `json:"nonce"`
}

// AuthOKReply confirms authentication and carries the session token to
// present on reconnect.
type AuthOKReply struct {
	Type    MsgType        `json:"type"`
	UserID  uuid.UUID      `json:"user_id"`
	Token   string         `json:"token"`
	Balance domain.Balance `json:"balance"`
}

// BetAckReply confirms an accepted (or replayed) bet.
type BetAckReply struct {
	Type    MsgType        `json:"type"`
	Bet     domain.Bet     `json:"bet"`
	Balance domain.Balance `json:"balance"`
}

// CashOutAckReply confirms a settled cashout.
type CashOutAckReply struct {
	Type    MsgType        `json:"type"`
	Bet     domain.Bet     `json:"bet"`
	Balance domain.Balance `json:"balance"`
}

// PongReply answers an application-level ping.
type PongReply struct {
	Type        MsgType `json:"type"`
	LastEventID uint64  `json:"last_event_id"`
}

// ResyncReply tells the client its resume point is gone; the embedded
// snapshot is the new ground truth and subsequent events follow live.
type ResyncReply struct {
	Type    MsgType                `json:"type"`
	Round   game.Status            `json:"round"`
	Balance *domain.Balance        `json:"balance,omitempty"`
	Bets    []domain.Bet           `json:"bets"`
	History []domain.RevealedRound `json:"history"`
}

// ErrorReply reports a failed command using the stable error taxonomy codes.
type ErrorReply struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
