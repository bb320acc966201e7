package repository

import (
	"context"
	"fmt"

	"github.com/evetabi/crash/internal/domain"
	"github.com/jmoiron/sqlx"
)

// RoundRepository persists rounds and bets.  Implements game.RoundStore.
type RoundRepository struct {
	db *sqlx.DB
}

// NewRoundRepository creates a new RoundRepository.
func NewRoundRepository(db *sqlx.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// CreateRound inserts a round and assigns its sequence id.
func (r *RoundRepository) CreateRound(ctx context.Context, round *domain.Round) error {
	err := r.db.GetContext(ctx, round, `
		INSERT INTO rounds (commit_hash, server_seed, client_seed, nonce, crash_x100, phase)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		round.CommitHash, round.ServerSeed, round.ClientSeed,
		round.Nonce, round.CrashX100, round.Phase)
	if err != nil {
		return fmt.Errorf("round_repo.CreateRound: %w", err)
	}
	return nil
}

// UpdateRound writes back the mutable round fields.
func (r *RoundRepository) UpdateRound(ctx context.Context, round *domain.Round) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rounds
		SET nonce = $2, crash_x100 = $3, phase = $4, started_at = $5, crashed_at = $6
		WHERE round_id = $1`,
		round.RoundID, round.Nonce, round.CrashX100,
		round.Phase, round.StartedAt, round.CrashedAt)
	if err != nil {
		return fmt.Errorf("round_repo.UpdateRound: %w", err)
	}
	return nil
}

// GetRound fetches one round by id.
func (r *RoundRepository) GetRound(ctx context.Context, roundID int64) (*domain.Round, error) {
	var round domain.Round
	err := r.db.GetContext(ctx, &round, `SELECT * FROM rounds WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, domain.ErrRoundNotFound
	}
	return &round, nil
}

// SaveBet inserts a bet row.
func (r *RoundRepository) SaveBet(ctx context.Context, b *domain.Bet) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO bets
			(bet_id, round_id, user_id, stake, auto_cashout_x100, state, client_id, placed_at)
		VALUES
			(:bet_id, :round_id, :user_id, :stake, :auto_cashout_x100, :state, :client_id, :placed_at)`, b)
	if err != nil {
		return fmt.Errorf("round_repo.SaveBet: %w", err)
	}
	return nil
}

// UpdateBet writes back a bet's settlement fields.
func (r *RoundRepository) UpdateBet(ctx context.Context, b *domain.Bet) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE bets
		SET state = :state, cashout_x100 = :cashout_x100, payout = :payout, settled_at = :settled_at
		WHERE bet_id = :bet_id`, b)
	if err != nil {
		return fmt.Errorf("round_repo.UpdateBet: %w", err)
	}
	return nil
}

// OpenBets returns every bet still in the placed state, across all rounds.
// Non-empty only after an unclean shutdown.
func (r *RoundRepository) OpenBets(ctx context.Context) ([]domain.Bet, error) {
	var bets []domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE state = 'placed' ORDER BY placed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("round_repo.OpenBets: %w", err)
	}
	return bets, nil
}

// UserBets returns a user's bet history, newest first.
func (r *RoundRepository) UserBets(ctx context.Context, userID string, limit int) ([]domain.Bet, error) {
	var bets []domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("round_repo.UserBets: %w", err)
	}
	return bets, nil
}

// RecentRevealed returns the latest settled rounds in reveal order, newest
// first, for the history broadcast and the public verification endpoint.
func (r *RoundRepository) RecentRevealed(ctx context.Context, limit int) ([]domain.RevealedRound, error) {
	var rounds []domain.Round
	err := r.db.SelectContext(ctx, &rounds, `
		SELECT * FROM rounds
		WHERE phase = 'revealed'
		ORDER BY round_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("round_repo.RecentRevealed: %w", err)
	}
	out := make([]domain.RevealedRound, 0, len(rounds))
	for i := range rounds {
		out = append(out, rounds[i].Reveal())
	}
	return out, nil
}
