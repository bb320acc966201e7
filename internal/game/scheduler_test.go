package game_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/events"
	"github.com/evetabi/crash/internal/fair"
	"github.com/evetabi/crash/internal/game"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/obs"
	"github.com/evetabi/crash/internal/service"
)

// memRoundStore is an in-memory game.RoundStore for scheduler tests.
type memRoundStore struct {
	mu     sync.Mutex
	rounds map[int64]*domain.Round
	bets   map[uuid.UUID]*domain.Bet
	nextID int64
}

func newMemRoundStore() *memRoundStore {
	return &memRoundStore{
		rounds: make(map[int64]*domain.Round),
		bets:   make(map[uuid.UUID]*domain.Bet),
	}
}

func (m *memRoundStore) CreateRound(_ context.Context, r *domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.RoundID = m.nextID
	r.CreatedAt = time.Now().UTC()
	cp := *r
	m.rounds[r.RoundID] = &cp
	return nil
}

func (m *memRoundStore) UpdateRound(_ context.Context, r *domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rounds[r.RoundID] = &cp
	return nil
}

func (m *memRoundStore) SaveBet(_ context.Context, b *domain.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bets[b.BetID] = &cp
	return nil
}

func (m *memRoundStore) UpdateBet(_ context.Context, b *domain.Bet) error {
	return m.SaveBet(nil, b)
}

func (m *memRoundStore) OpenBets(_ context.Context) ([]domain.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bet
	for _, b := range m.bets {
		if b.State == domain.BetPlaced {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memRoundStore) RecentRevealed(_ context.Context, limit int) ([]domain.RevealedRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RevealedRound
	for _, r := range m.rounds {
		if r.Phase == domain.PhaseRevealed && len(out) < limit {
			out = append(out, r.Reveal())
		}
	}
	return out, nil
}

func (m *memRoundStore) bet(id uuid.UUID) domain.Bet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bets[id]
}

// testGameConfig keeps rounds short: the cap at 1.10× bounds the running
// phase to well under two seconds.
func testGameConfig() config.GameConfig {
	return config.GameConfig{
		BetWindow:           500 * time.Millisecond,
		SettleWindow:        50 * time.Millisecond,
		HouseEdge:           0.03,
		InstantCrashDivisor: 33,
		MaxMultiplier:       1.10,
		MultiplierA:         1.0024,
		MultiplierB:         1.0718,
		MinBet:              "1",
		MaxBet:              "100",
		CashoutSafety:       50 * time.Millisecond,
		TickInterval:        10 * time.Millisecond,
		HistorySize:         10,
	}
}

type fixture struct {
	sched  *game.Scheduler
	engine *service.BalanceEngine
	store  *ledger.MemoryStore
	rounds *memRoundStore
	bus    *events.Bus
	kill   *service.Switch
}

func newFixture(t *testing.T) *fixture {
	return newFixtureCfg(t, testGameConfig())
}

func newFixtureCfg(t *testing.T, cfg config.GameConfig) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	kill := service.NewSwitch()
	bus := events.NewBus(256, slog.Default())
	engine := service.NewBalanceEngine(store, kill, slog.Default())
	engine.SetPublisher(bus)
	seeds, err := fair.NewSeedRotator()
	require.NoError(t, err)
	rounds := newMemRoundStore()
	sched, err := game.NewScheduler(cfg, seeds, engine, rounds, bus, kill, slog.Default())
	require.NoError(t, err)
	return &fixture{sched: sched, engine: engine, store: store, rounds: rounds, bus: bus, kill: kill}
}

func fund(t *testing.T, f *fixture, amount string) uuid.UUID {
	t.Helper()
	user := uuid.New()
	a, err := domain.ParseToken(amount)
	require.NoError(t, err)
	_, err = f.engine.RecordDeposit(context.Background(), "0x"+uuid.NewString(), 0, user, a)
	require.NoError(t, err)
	return user
}

// waitFor drains the subscription until an event of the wanted kind arrives.
func waitFor(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Validation without a live round
// ──────────────────────────────────────────────────────────────────────────────

func TestPlaceBet_NoOpenRound(t *testing.T) {
	f := newFixture(t)
	user := fund(t, f, "100")
	stake, _ := domain.ParseToken("10")

	_, _, err := f.sched.PlaceBet(context.Background(), user, stake, nil, uuid.New(), 1)
	require.ErrorIs(t, err, domain.ErrBettingClosed)
}

func TestPlaceBet_Validation(t *testing.T) {
	f := newFixture(t)
	user := fund(t, f, "1000")
	ctx := context.Background()

	tooSmall, _ := domain.ParseToken("0.5")
	_, _, err := f.sched.PlaceBet(ctx, user, tooSmall, nil, uuid.New(), 1)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	tooBig, _ := domain.ParseToken("500")
	_, _, err = f.sched.PlaceBet(ctx, user, tooBig, nil, uuid.New(), 1)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	stake, _ := domain.ParseToken("10")
	badAuto := uint64(100) // below the 1.01× floor
	_, _, err = f.sched.PlaceBet(ctx, user, stake, &badAuto, uuid.New(), 1)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCashOut_NoRoundRunning(t *testing.T) {
	f := newFixture(t)
	user := fund(t, f, "100")
	_, _, err := f.sched.CashOut(context.Background(), user)
	require.ErrorIs(t, err, domain.ErrTooLate)
}

// ──────────────────────────────────────────────────────────────────────────────
// Full round
// ──────────────────────────────────────────────────────────────────────────────

// TestRound_EndToEnd drives one complete round: an orphaned bet from a
// "previous run" is settled as a loss at startup, a live bet rides the round
// without cashing out and loses, the reveal verifies independently, and the
// ledger balances when the dust settles.
func TestRound_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Orphan: stake locked in the ledger, bet row still 'placed'.
	orphanUser := fund(t, f, "100")
	orphanClient := uuid.New()
	stake, _ := domain.ParseToken("10")
	_, err := f.engine.PlaceBet(ctx, orphanUser, stake, 999, orphanClient, 1)
	require.NoError(t, err)
	require.NoError(t, f.rounds.SaveBet(ctx, &domain.Bet{
		BetID:    uuid.New(),
		RoundID:  999,
		UserID:   orphanUser,
		Stake:    stake,
		State:    domain.BetPlaced,
		ClientID: orphanClient,
		PlacedAt: time.Now().UTC(),
	}))

	sub, err := f.bus.Subscribe([]string{events.TopicGlobal, events.TopicRoom}, 0)
	require.NoError(t, err)
	defer f.bus.Unsubscribe(sub)

	roundsBefore := testutil.ToFloat64(obs.RoundsTotal)
	lostBefore := testutil.ToFloat64(obs.BetsTotal.WithLabelValues(string(domain.BetLost)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()

	opened := waitFor(t, sub, events.KindRoundOpened)
	roundID := opened.Payload.(events.RoundOpened).RoundID

	user := fund(t, f, "100")
	bal, err := f.engine.GetBalance(ctx, user)
	require.NoError(t, err)
	bet, bal, err := f.sched.PlaceBet(ctx, user, stake, nil, uuid.New(), bal.Version)
	require.NoError(t, err)
	require.Equal(t, roundID, bet.RoundID)
	require.Equal(t, "90", bal.Available.Token())
	require.Equal(t, "10", bal.Locked.Token())

	waitFor(t, sub, events.KindRoundStarted)
	crashed := waitFor(t, sub, events.KindRoundCrashed)
	require.Equal(t, roundID, crashed.Payload.(events.RoundCrashed).RoundID)
	revealed := waitFor(t, sub, events.KindRoundRevealed)
	cancel()
	<-done

	// The reveal must reproduce under the published parameters.
	cfg := testGameConfig()
	params := fair.Params{
		EdgeBps:             cfg.EdgeBps(),
		InstantCrashDivisor: cfg.InstantCrashDivisor,
		MaxX100:             cfg.MaxX100(),
	}
	reveal := revealed.Payload.(events.RoundRevealed)
	round := f.rounds.rounds[roundID]
	require.NoError(t, params.VerifyRound(round.Reveal()))
	require.Equal(t, round.ServerSeed, reveal.ServerSeed)

	// No cashout was attempted, so the stake is gone.
	settled := f.rounds.bet(bet.BetID)
	require.Equal(t, domain.BetLost, settled.State)
	bal, err = f.engine.GetBalance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "90", bal.Available.Token())
	require.True(t, bal.Locked.IsZero())

	// The orphan was settled as a loss before the first round opened.
	orphanBal, err := f.engine.GetBalance(ctx, orphanUser)
	require.NoError(t, err)
	require.Equal(t, "90", orphanBal.Available.Token())
	require.True(t, orphanBal.Locked.IsZero())

	totals, err := f.store.Totals(ctx)
	require.NoError(t, err)
	snapshot := totals.SnapshotAvailable.Add(totals.SnapshotLocked)
	require.True(t, snapshot.Equal(totals.Reconstructed),
		"snapshot %s != reconstructed %s", snapshot, totals.Reconstructed)

	// Counters moved: at least one settled round, and both the orphan and the
	// live bet counted as losses.
	require.GreaterOrEqual(t, testutil.ToFloat64(obs.RoundsTotal), roundsBefore+1)
	require.GreaterOrEqual(t,
		testutil.ToFloat64(obs.BetsTotal.WithLabelValues(string(domain.BetLost))), lostBefore+2)
}

// TestAutoCashout_BlockedInsideSafetyMargin: an auto target that only becomes
// payable inside the safety margin before the crash is not paid.  The bet
// rides into the crash and loses, exactly like a manual cashout attempted in
// the same window.
func TestAutoCashout_BlockedInsideSafetyMargin(t *testing.T) {
	cfg := testGameConfig()
	// A margin wider than any possible round puts every tick inside it.
	cfg.CashoutSafety = time.Hour
	f := newFixtureCfg(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe([]string{events.TopicGlobal}, 0)
	require.NoError(t, err)
	defer f.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()

	waitFor(t, sub, events.KindRoundOpened)
	user := fund(t, f, "100")
	bal, err := f.engine.GetBalance(ctx, user)
	require.NoError(t, err)
	stake, _ := domain.ParseToken("10")
	auto := uint64(domain.MinAutoCashoutX100)
	bet, _, err := f.sched.PlaceBet(ctx, user, stake, &auto, uuid.New(), bal.Version)
	require.NoError(t, err)

	waitFor(t, sub, events.KindRoundRevealed)
	cancel()
	<-done

	settled := f.rounds.bet(bet.BetID)
	require.Equal(t, domain.BetLost, settled.State, "auto cashout paid inside the safety margin")
	bal, err = f.engine.GetBalance(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, "90", bal.Available.Token())
	require.True(t, bal.Locked.IsZero())
}

// TestKillSwitch_PausesRounds: an engaged switch publishes paused and opens
// no rounds.
func TestKillSwitch_PausesRounds(t *testing.T) {
	f := newFixture(t)
	f.kill.Set(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe([]string{events.TopicGlobal}, 0)
	require.NoError(t, err)
	defer f.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()

	e := waitFor(t, sub, events.KindPaused)
	require.Equal(t, "kill_switch", e.Payload.(events.Paused).Reason)
	select {
	case got := <-sub.C:
		require.NotEqual(t, events.KindRoundOpened, got.Kind, "round opened while paused")
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	<-done
}
