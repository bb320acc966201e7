package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/events"
	"github.com/evetabi/crash/internal/fair"
	"github.com/evetabi/crash/internal/obs"
	"github.com/evetabi/crash/internal/service"
	"github.com/google/uuid"
)

// RoundStore persists rounds and bets.  Bets double as the crash-recovery
// record: any bet still "placed" at boot belongs to a round that died
// mid-flight and is settled as a loss.
type RoundStore interface {
	CreateRound(ctx context.Context, r *domain.Round) error
	UpdateRound(ctx context.Context, r *domain.Round) error
	SaveBet(ctx context.Context, b *domain.Bet) error
	UpdateBet(ctx context.Context, b *domain.Bet) error
	OpenBets(ctx context.Context) ([]domain.Bet, error)
	RecentRevealed(ctx context.Context, limit int) ([]domain.RevealedRound, error)
}

// snapshot is the lock-free view session goroutines read to gate bets and
// cashouts.  The scheduler loop replaces it at every phase transition.
type snapshot struct {
	roundID     int64
	phase       domain.Phase
	commitHash  string
	betDeadline time.Time
	startedAt   time.Time
	crashAt     time.Time
	crashX100   uint64
}

// Status is the health-endpoint view of the scheduler.
type Status struct {
	Phase   domain.Phase `json:"phase"`
	RoundID int64        `json:"round_id"`
	Bets    int          `json:"bets"`
	Uptime  string       `json:"uptime"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler is the single writer of round state.  One goroutine (Run) drives
// Betting → Running → Settling; session goroutines call PlaceBet and CashOut
// concurrently, gated by the phase snapshot and serialized per user by the
// bet book and the ledger's row locks.
type Scheduler struct {
	cfg    config.GameConfig
	params fair.Params
	curve  Curve
	seeds  *fair.SeedRotator
	engine *service.BalanceEngine
	store  RoundStore
	book   *BetBook
	bus    *events.Bus
	kill   *service.Switch
	logger *slog.Logger

	minBet domain.BaseUnits
	maxBet domain.BaseUnits

	snap    atomic.Pointer[snapshot]
	startup time.Time
}

// NewScheduler wires the round loop.  Fails if the configured bet bounds do
// not parse.
func NewScheduler(
	cfg config.GameConfig,
	seeds *fair.SeedRotator,
	engine *service.BalanceEngine,
	store RoundStore,
	bus *events.Bus,
	kill *service.Switch,
	logger *slog.Logger,
) (*Scheduler, error) {
	minBet, err := domain.ParseToken(cfg.MinBet)
	if err != nil {
		return nil, fmt.Errorf("game: min bet: %w", err)
	}
	maxBet, err := domain.ParseToken(cfg.MaxBet)
	if err != nil {
		return nil, fmt.Errorf("game: max bet: %w", err)
	}
	if !maxBet.GreaterThan(minBet) {
		return nil, fmt.Errorf("game: max bet %s must exceed min bet %s", cfg.MaxBet, cfg.MinBet)
	}
	return &Scheduler{
		cfg:    cfg,
		params: fair.Params{EdgeBps: cfg.EdgeBps(), InstantCrashDivisor: cfg.InstantCrashDivisor, MaxX100: cfg.MaxX100()},
		curve:  Curve{A: cfg.MultiplierA, B: cfg.MultiplierB},
		seeds:  seeds,
		engine: engine,
		store:  store,
		book:   NewBetBook(),
		bus:    bus,
		kill:   kill,
		logger: logger,
		minBet: minBet,
		maxBet: maxBet,
	}, nil
}

// Book exposes the bet book for read-only consumers (bet list, session view).
func (s *Scheduler) Book() *BetBook { return s.book }

// Status reports the current phase for the health endpoint.
func (s *Scheduler) Status() Status {
	st := Status{Phase: domain.PhaseIdle, Uptime: time.Since(s.startup).Round(time.Second).String()}
	if sn := s.snap.Load(); sn != nil {
		st.Phase = sn.phase
		st.RoundID = sn.roundID
		st.Bets = s.book.Count()
	}
	return st
}

// ──────────────────────────────────────────────────────────────────────────────
// Run loop
// ──────────────────────────────────────────────────────────────────────────────

// Run drives rounds until ctx is cancelled.  A round in flight is settled
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startup = time.Now()

	if err := s.recoverAbandoned(ctx); err != nil {
		return fmt.Errorf("game: recovery: %w", err)
	}

	pausedAnnounced := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.kill.Engaged() {
			if !pausedAnnounced {
				s.bus.Publish(events.TopicGlobal, events.KindPaused, events.Paused{Reason: "kill_switch"})
				s.logger.Warn("scheduler paused: kill switch engaged")
				pausedAnnounced = true
			}
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		pausedAnnounced = false

		if err := s.runRound(ctx); err != nil {
			s.logger.Error("round failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
		}
	}
}

func (s *Scheduler) runRound(ctx context.Context) error {
	// Commit before anyone can bet.
	serverSeed, commit, err := fair.GenerateServerSeed()
	if err != nil {
		return err
	}
	clientSeed := s.seeds.Current()

	round := &domain.Round{
		CommitHash: commit,
		ServerSeed: serverSeed,
		ClientSeed: clientSeed,
		Phase:      domain.PhaseBetting,
	}
	if err := s.store.CreateRound(ctx, round); err != nil {
		return fmt.Errorf("create round: %w", err)
	}

	// The round id doubles as the fairness nonce, so the crash point exists
	// the moment the round does — nothing after the commit can influence it.
	round.Nonce = round.RoundID
	round.CrashX100 = s.params.CrashPoint(serverSeed, clientSeed, round.Nonce)
	if err := s.store.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("seal round: %w", err)
	}

	// ── Betting ──
	deadline := time.Now().Add(s.cfg.BetWindow)
	s.book.OpenRound(round.RoundID)
	s.snap.Store(&snapshot{
		roundID:     round.RoundID,
		phase:       domain.PhaseBetting,
		commitHash:  round.CommitHash,
		betDeadline: deadline,
		crashX100:   round.CrashX100,
	})
	s.bus.Publish(events.TopicGlobal, events.KindRoundOpened, events.RoundOpened{
		RoundID:       round.RoundID,
		CommitHash:    round.CommitHash,
		BetDeadlineMS: deadline.UnixMilli(),
	})
	s.logger.Info("round opened", "round", round.RoundID, "commit", round.CommitHash)

	if !sleepCtx(ctx, time.Until(deadline)) {
		return s.settle(ctx, round, time.Now())
	}

	// ── Running ──
	s.book.CloseBetting()
	startedAt := time.Now()
	crashAt := startedAt.Add(s.curve.CrashElapsed(round.CrashX100))
	round.Phase = domain.PhaseRunning
	round.StartedAt = &startedAt
	s.snap.Store(&snapshot{
		roundID:    round.RoundID,
		phase:      domain.PhaseRunning,
		commitHash: round.CommitHash,
		startedAt:  startedAt,
		crashAt:    crashAt,
		crashX100:  round.CrashX100,
	})
	if err := s.store.UpdateRound(ctx, round); err != nil {
		s.logger.Error("persist running phase", "round", round.RoundID, "error", err)
	}
	s.bus.Publish(events.TopicGlobal, events.KindRoundStarted, events.RoundStarted{
		RoundID:      round.RoundID,
		ServerTimeMS: startedAt.UnixMilli(),
	})

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for time.Now().Before(crashAt) {
		select {
		case <-ctx.Done():
			return s.settle(ctx, round, crashAt)
		case now := <-ticker.C:
			if !now.Before(crashAt) {
				break
			}
			x100 := s.curve.X100At(now.Sub(startedAt))
			// The displayed multiplier never reaches the crash point early.
			if x100 >= round.CrashX100 {
				x100 = round.CrashX100 - 1
			}
			s.bus.Publish(events.TopicGlobal, events.KindMultiplierTick, events.MultiplierTick{
				M: domain.FormatMultiplier(x100),
			})
			// Auto targets obey the same safety margin as manual cashouts:
			// inside it, ties go to the crash.
			if now.Before(crashAt.Add(-s.cfg.CashoutSafety)) {
				for _, bet := range s.book.AutoDue(x100) {
					s.settleCashout(ctx, bet, *bet.AutoCashoutX100)
				}
			}
		}
	}

	return s.settle(ctx, round, crashAt)
}

// settle runs the Settling phase: close the book, drain losers through the
// balance engine, reveal the seeds, broadcast history, and hold T_settle.
func (s *Scheduler) settle(ctx context.Context, round *domain.Round, crashedAt time.Time) error {
	s.snap.Store(&snapshot{
		roundID:   round.RoundID,
		phase:     domain.PhaseSettling,
		crashX100: round.CrashX100,
	})
	s.bus.Publish(events.TopicGlobal, events.KindRoundCrashed, events.RoundCrashed{
		RoundID:    round.RoundID,
		CrashPoint: domain.FormatMultiplier(round.CrashX100),
	})

	// Settlement must finish even when the server is shutting down, so it
	// runs on a fresh bounded context.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleWindow+5*time.Second)
	defer cancel()

	for _, bet := range s.book.CloseAndDrain() {
		s.settleLoss(sctx, bet)
	}

	round.Phase = domain.PhaseRevealed
	round.CrashedAt = &crashedAt
	if err := s.store.UpdateRound(sctx, round); err != nil {
		s.logger.Error("persist reveal", "round", round.RoundID, "error", err)
	}
	revealed := round.Reveal()
	s.bus.Publish(events.TopicGlobal, events.KindRoundRevealed, events.RoundRevealed{
		RoundID:    revealed.RoundID,
		ServerSeed: revealed.ServerSeed,
		ClientSeed: revealed.ClientSeed,
		Nonce:      revealed.Nonce,
	})
	obs.RoundsTotal.Inc()
	s.logger.Info("round settled",
		"round", round.RoundID,
		"crash", domain.FormatMultiplier(round.CrashX100),
		"bets", s.book.Count())

	if history, err := s.store.RecentRevealed(sctx, s.cfg.HistorySize); err != nil {
		s.logger.Error("load history", "error", err)
	} else {
		s.bus.Publish(events.TopicRoom, events.KindHistory, events.History{Rounds: history})
	}

	sleepCtx(ctx, s.cfg.SettleWindow)
	s.snap.Store(&snapshot{roundID: round.RoundID, phase: domain.PhaseIdle})
	return nil
}

// recoverAbandoned settles bets orphaned by a crash or restart.  Their rounds
// never produced a cashout window, so the stake is lost — the conservative
// reading the house can always honor.
func (s *Scheduler) recoverAbandoned(ctx context.Context) error {
	orphans, err := s.store.OpenBets(ctx)
	if err != nil {
		return err
	}
	for i := range orphans {
		bet := orphans[i]
		if _, err := s.retryLoss(ctx, bet); err != nil {
			return fmt.Errorf("orphan bet %s: %w", bet.BetID, err)
		}
		now := time.Now().UTC()
		bet.State = domain.BetLost
		bet.SettledAt = &now
		if err := s.store.UpdateBet(ctx, &bet); err != nil {
			return fmt.Errorf("orphan bet %s: %w", bet.BetID, err)
		}
		obs.BetsTotal.WithLabelValues(string(domain.BetLost)).Inc()
	}
	if len(orphans) > 0 {
		s.logger.Warn("settled orphaned bets from previous run", "count", len(orphans))
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Player operations
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBet validates and locks a stake for the current betting window.
// Replays of the same (user, client_id) return the existing bet unchanged.
func (s *Scheduler) PlaceBet(
	ctx context.Context,
	userID uuid.UUID,
	stake domain.BaseUnits,
	autoCashoutX100 *uint64,
	clientID uuid.UUID,
	expectedVersion int64,
) (domain.Bet, domain.Balance, error) {
	if stake.LessThan(s.minBet) || stake.GreaterThan(s.maxBet) {
		return domain.Bet{}, domain.Balance{}, fmt.Errorf("%w: stake %s outside [%s, %s]",
			domain.ErrInvalidAmount, stake.Token(), s.cfg.MinBet, s.cfg.MaxBet)
	}
	if autoCashoutX100 != nil && *autoCashoutX100 < domain.MinAutoCashoutX100 {
		return domain.Bet{}, domain.Balance{}, fmt.Errorf("%w: auto cashout below 1.01",
			domain.ErrInvalidAmount)
	}

	sn := s.snap.Load()
	if sn == nil || sn.phase != domain.PhaseBetting || !time.Now().Before(sn.betDeadline) {
		return domain.Bet{}, domain.Balance{}, domain.ErrBettingClosed
	}

	existing, err := s.book.Reserve(sn.roundID, userID, clientID)
	if err != nil {
		return domain.Bet{}, domain.Balance{}, err
	}
	if existing != nil {
		bal, err := s.engine.GetBalance(ctx, userID)
		return *existing, bal, err
	}

	bal, err := s.engine.PlaceBet(ctx, userID, stake, sn.roundID, clientID, expectedVersion)
	if err != nil {
		s.book.Release(userID)
		return domain.Bet{}, domain.Balance{}, err
	}

	bet := &domain.Bet{
		BetID:           uuid.New(),
		RoundID:         sn.roundID,
		UserID:          userID,
		Stake:           stake,
		AutoCashoutX100: autoCashoutX100,
		State:           domain.BetPlaced,
		ClientID:        clientID,
		PlacedAt:        time.Now().UTC(),
	}
	// The stake is locked regardless: the bet lives in the book and settles
	// at crash even if the reporting row fails to persist.
	if err := s.store.SaveBet(ctx, bet); err != nil {
		s.logger.Error("persist bet", "bet", bet.BetID, "error", err)
	}
	s.book.Commit(bet)

	s.bus.Publish(events.TopicRoom, events.KindBetPlaced, events.BetPlaced{
		RoundID: sn.roundID,
		UserID:  userID,
		Stake:   stake,
	})
	return *bet, bal, nil
}

// CashOut exits the user's open bet at the current multiplier.  Accepted only
// while Running and strictly before the crash instant minus the safety
// margin; ties go to the crash.
func (s *Scheduler) CashOut(ctx context.Context, userID uuid.UUID) (domain.Bet, domain.Balance, error) {
	sn := s.snap.Load()
	if sn == nil || sn.phase != domain.PhaseRunning {
		return domain.Bet{}, domain.Balance{}, domain.ErrTooLate
	}
	now := time.Now()
	if !now.Before(sn.crashAt.Add(-s.cfg.CashoutSafety)) {
		return domain.Bet{}, domain.Balance{}, domain.ErrTooLate
	}
	x100 := s.curve.X100At(now.Sub(sn.startedAt))
	if x100 >= sn.crashX100 {
		return domain.Bet{}, domain.Balance{}, domain.ErrTooLate
	}

	bet, err := s.book.BeginCashout(userID)
	if err != nil {
		return domain.Bet{}, domain.Balance{}, err
	}
	// A configured auto target below the live multiplier wins at its own
	// level, never above it.
	if bet.AutoCashoutX100 != nil && *bet.AutoCashoutX100 < x100 {
		x100 = *bet.AutoCashoutX100
	}
	return s.finishCashout(ctx, bet, x100)
}

// settleCashout settles an auto-cashout claimed by the tick loop.
func (s *Scheduler) settleCashout(ctx context.Context, bet domain.Bet, x100 uint64) {
	if _, _, err := s.finishCashout(ctx, bet, x100); err != nil {
		s.logger.Error("auto cashout failed", "bet", bet.BetID, "error", err)
	}
}

func (s *Scheduler) finishCashout(ctx context.Context, bet domain.Bet, x100 uint64) (domain.Bet, domain.Balance, error) {
	payout, err := bet.PayoutAt(x100)
	if err != nil {
		s.book.AbortCashout(bet.UserID)
		return domain.Bet{}, domain.Balance{}, err
	}
	bal, err := s.engine.ProcessWin(ctx, bet.UserID, payout, bet.Stake, bet.RoundID, bet.ClientID)
	if err != nil {
		s.book.AbortCashout(bet.UserID)
		return domain.Bet{}, domain.Balance{}, err
	}
	settled := s.book.FinishCashout(bet.UserID, x100, payout)
	obs.BetsTotal.WithLabelValues(string(domain.BetCashedOut)).Inc()
	if err := s.store.UpdateBet(ctx, &settled); err != nil {
		s.logger.Error("persist cashout", "bet", settled.BetID, "error", err)
	}
	s.bus.Publish(events.TopicRoom, events.KindPlayerCashedOut, events.PlayerCashedOut{
		UserID: settled.UserID,
		M:      domain.FormatMultiplier(x100),
		Payout: payout,
	})
	return settled, bal, nil
}

// settleLoss settles one drained loser, retrying transient store failures.
func (s *Scheduler) settleLoss(ctx context.Context, bet domain.Bet) {
	if _, err := s.retryLoss(ctx, bet); err != nil {
		// The bet_lock stays in the ledger and the bet row stays "placed";
		// boot-time recovery settles it on the next start.
		s.logger.Error("loss settlement failed", "bet", bet.BetID, "error", err)
		return
	}
	s.book.MarkLost(bet.UserID)
	obs.BetsTotal.WithLabelValues(string(domain.BetLost)).Inc()
	now := time.Now().UTC()
	bet.State = domain.BetLost
	bet.SettledAt = &now
	if err := s.store.UpdateBet(ctx, &bet); err != nil {
		s.logger.Error("persist loss", "bet", bet.BetID, "error", err)
	}
}

func (s *Scheduler) retryLoss(ctx context.Context, bet domain.Bet) (domain.Balance, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		bal, err := s.engine.ProcessLoss(ctx, bet.UserID, bet.Stake, bet.RoundID, bet.ClientID)
		if err == nil {
			return bal, nil
		}
		if !errors.Is(err, domain.ErrTransientIO) {
			return domain.Balance{}, err
		}
		lastErr = err
		if !sleepCtx(ctx, time.Duration(attempt+1)*100*time.Millisecond) {
			break
		}
	}
	return domain.Balance{}, lastErr
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
