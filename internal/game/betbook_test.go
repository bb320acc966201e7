package game

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/evetabi/crash/internal/domain"
)

func placedBet(roundID int64, userID uuid.UUID) *domain.Bet {
	return &domain.Bet{
		BetID:    uuid.New(),
		RoundID:  roundID,
		UserID:   userID,
		Stake:    domain.NewBaseUnits(10),
		State:    domain.BetPlaced,
		ClientID: uuid.New(),
	}
}

func TestBetBook_ReserveCommit(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	user := uuid.New()

	existing, err := bk.Reserve(1, user, uuid.New())
	if err != nil || existing != nil {
		t.Fatalf("fresh reserve: existing=%v err=%v", existing, err)
	}
	// The slot is held: a second key for the same user is a duplicate.
	if _, err := bk.Reserve(1, user, uuid.New()); err != domain.ErrDuplicate {
		t.Fatalf("second reserve err = %v, want ErrDuplicate", err)
	}

	bet := placedBet(1, user)
	bk.Commit(bet)
	if _, ok := bk.Get(user); !ok {
		t.Fatal("committed bet not in book")
	}

	// Same client_id after commit is an idempotent replay.
	replay, err := bk.Reserve(1, user, bet.ClientID)
	if err != nil || replay == nil || replay.BetID != bet.BetID {
		t.Fatalf("replay reserve: bet=%v err=%v", replay, err)
	}
	// A different client_id is a second bet and refused.
	if _, err := bk.Reserve(1, user, uuid.New()); err != domain.ErrDuplicate {
		t.Fatalf("different key err = %v, want ErrDuplicate", err)
	}
}

func TestBetBook_ReserveRelease(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	user := uuid.New()

	if _, err := bk.Reserve(1, user, uuid.New()); err != nil {
		t.Fatal(err)
	}
	bk.Release(user)
	if _, err := bk.Reserve(1, user, uuid.New()); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestBetBook_ClosedToNewBets(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	bk.CloseBetting()
	if _, err := bk.Reserve(1, uuid.New(), uuid.New()); err != domain.ErrBettingClosed {
		t.Fatalf("err = %v, want ErrBettingClosed", err)
	}
	// Wrong round id is equally closed.
	bk.OpenRound(2)
	if _, err := bk.Reserve(1, uuid.New(), uuid.New()); err != domain.ErrBettingClosed {
		t.Fatalf("stale round err = %v, want ErrBettingClosed", err)
	}
}

// TestBetBook_SingleCashoutWinner: spamming cash_out concurrently settles a
// bet exactly once.
func TestBetBook_SingleCashoutWinner(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	user := uuid.New()
	bk.Reserve(1, user, uuid.New())
	bk.Commit(placedBet(1, user))
	bk.CloseBetting()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bk.BeginCashout(user); err == nil {
				winners.Add(1)
				bk.FinishCashout(user, 150, domain.NewBaseUnits(15))
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("cashout winners = %d, want exactly 1", winners.Load())
	}
	bet, _ := bk.Get(user)
	if bet.State != domain.BetCashedOut {
		t.Fatalf("state = %s, want cashed_out", bet.State)
	}
}

func TestBetBook_AbortReturnsBet(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	user := uuid.New()
	bk.Reserve(1, user, uuid.New())
	bk.Commit(placedBet(1, user))
	bk.CloseBetting()

	if _, err := bk.BeginCashout(user); err != nil {
		t.Fatal(err)
	}
	bk.AbortCashout(user)
	if _, err := bk.BeginCashout(user); err != nil {
		t.Fatalf("cashout after abort: %v", err)
	}
}

func TestBetBook_AutoDue(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	auto := uint64(150)

	withAuto := placedBet(1, uuid.New())
	withAuto.AutoCashoutX100 = &auto
	manual := placedBet(1, uuid.New())
	for _, b := range []*domain.Bet{withAuto, manual} {
		bk.Reserve(1, b.UserID, b.ClientID)
		bk.Commit(b)
	}
	bk.CloseBetting()

	if due := bk.AutoDue(149); len(due) != 0 {
		t.Fatalf("below target: %d due", len(due))
	}
	due := bk.AutoDue(150)
	if len(due) != 1 || due[0].UserID != withAuto.UserID {
		t.Fatalf("at target: due = %v", due)
	}
	// Already claimed; not returned twice.
	if again := bk.AutoDue(200); len(again) != 0 {
		t.Fatalf("double claim: %d due", len(again))
	}
	bk.FinishCashout(withAuto.UserID, 150, domain.NewBaseUnits(15))
}

// TestBetBook_DrainWaitsForPlacement: a stake locked in the final moments of
// the window must reach the drain even when settlement starts between the
// reservation and its commit.  Without the wait the committed bet would sit
// "placed" until a restart and the next round would erase it.
func TestBetBook_DrainWaitsForPlacement(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	bet := placedBet(1, uuid.New())
	if _, err := bk.Reserve(1, bet.UserID, bet.ClientID); err != nil {
		t.Fatal(err)
	}

	// Instant crash: settlement begins while the ledger write is in flight.
	bk.CloseBetting()
	drained := make(chan []domain.Bet, 1)
	go func() { drained <- bk.CloseAndDrain() }()

	select {
	case open := <-drained:
		t.Fatalf("drain returned before commit, open = %v", open)
	case <-time.After(50 * time.Millisecond):
	}

	bk.Commit(bet)
	select {
	case open := <-drained:
		if len(open) != 1 || open[0].UserID != bet.UserID {
			t.Fatalf("drained = %v, want the late-committed bet", open)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain never returned after commit")
	}
}

// A failed placement releases its reservation and unblocks the drain the
// same way.
func TestBetBook_DrainWaitsForRelease(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)
	user := uuid.New()
	if _, err := bk.Reserve(1, user, uuid.New()); err != nil {
		t.Fatal(err)
	}
	bk.CloseBetting()

	drained := make(chan []domain.Bet, 1)
	go func() { drained <- bk.CloseAndDrain() }()
	bk.Release(user)

	select {
	case open := <-drained:
		if len(open) != 0 {
			t.Fatalf("drained = %v, want empty", open)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain never returned after release")
	}
}

func TestBetBook_CloseAndDrain(t *testing.T) {
	bk := NewBetBook()
	bk.OpenRound(1)

	winner := placedBet(1, uuid.New())
	loser := placedBet(1, uuid.New())
	for _, b := range []*domain.Bet{winner, loser} {
		bk.Reserve(1, b.UserID, b.ClientID)
		bk.Commit(b)
	}
	bk.CloseBetting()

	bk.BeginCashout(winner.UserID)
	bk.FinishCashout(winner.UserID, 200, domain.NewBaseUnits(20))

	open := bk.CloseAndDrain()
	if len(open) != 1 || open[0].UserID != loser.UserID {
		t.Fatalf("drained = %v, want only the open bet", open)
	}
	// The window is shut: no cashout can start after the drain.
	if _, err := bk.BeginCashout(loser.UserID); err != domain.ErrTooLate {
		t.Fatalf("err = %v, want ErrTooLate", err)
	}
}
