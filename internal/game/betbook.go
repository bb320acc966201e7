package game

import (
	"sync"
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
)

// BetBook is the in-memory registry of the current round's bets: one bet per
// user, rebuilt from scratch each round.  The scheduler owns phase
// transitions; session goroutines place bets and cash out concurrently.
//
// Placement is two-phase (Reserve → engine → Commit/Release) so the slot is
// held while the ledger transaction runs and a phase flip in between cannot
// strand a locked stake outside the book.  Reservations and claimed cashouts
// both count against the same WaitGroup, so settlement can close the window
// and wait for every in-flight ledger write — a stake locked by a
// last-millisecond placement still lands in the book before the drain reads
// it.
type BetBook struct {
	mu       sync.RWMutex
	roundID  int64
	betting  bool // accepting new bets
	cashable bool // accepting cashouts
	bets     map[uuid.UUID]*domain.Bet
	reserved map[uuid.UUID]struct{}
	cashing  map[uuid.UUID]struct{}
	inflight sync.WaitGroup
}

// NewBetBook returns an empty book with no round open.
func NewBetBook() *BetBook {
	return &BetBook{
		bets:     make(map[uuid.UUID]*domain.Bet),
		reserved: make(map[uuid.UUID]struct{}),
		cashing:  make(map[uuid.UUID]struct{}),
	}
}

// OpenRound clears the book and starts accepting bets for a round.
func (bk *BetBook) OpenRound(roundID int64) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.roundID = roundID
	bk.betting = true
	bk.cashable = false
	bk.bets = make(map[uuid.UUID]*domain.Bet)
	bk.reserved = make(map[uuid.UUID]struct{})
	bk.cashing = make(map[uuid.UUID]struct{})
}

// CloseBetting seals the book against new bets and opens cashouts.
func (bk *BetBook) CloseBetting() {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bk.betting = false
	bk.cashable = true
}

// Reserve claims the user's slot for this round before the ledger write.
// Returns the existing bet when clientID matches it (idempotent replay) and
// ErrDuplicate when the user already holds a different bet or reservation.
func (bk *BetBook) Reserve(roundID int64, userID, clientID uuid.UUID) (*domain.Bet, error) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if !bk.betting || bk.roundID != roundID {
		return nil, domain.ErrBettingClosed
	}
	if existing, ok := bk.bets[userID]; ok {
		if existing.ClientID == clientID {
			cp := *existing
			return &cp, nil
		}
		return nil, domain.ErrDuplicate
	}
	if _, ok := bk.reserved[userID]; ok {
		return nil, domain.ErrDuplicate
	}
	bk.reserved[userID] = struct{}{}
	bk.inflight.Add(1)
	return nil, nil
}

// Commit installs the bet into a previously reserved slot.  Commits that land
// after the window shut are picked up by the settlement drain, which waits
// for them.
func (bk *BetBook) Commit(bet *domain.Bet) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if _, ok := bk.reserved[bet.UserID]; ok {
		delete(bk.reserved, bet.UserID)
		bk.inflight.Done()
	}
	bk.bets[bet.UserID] = bet
}

// Release frees a reservation after a failed placement.
func (bk *BetBook) Release(userID uuid.UUID) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if _, ok := bk.reserved[userID]; ok {
		delete(bk.reserved, userID)
		bk.inflight.Done()
	}
}

// BeginCashout moves the user's open bet into the cashing set and returns a
// copy.  Exactly one caller wins for a given bet; losers get ErrNoActiveBet.
// The matching FinishCashout or AbortCashout must follow.
func (bk *BetBook) BeginCashout(userID uuid.UUID) (domain.Bet, error) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if !bk.cashable {
		return domain.Bet{}, domain.ErrTooLate
	}
	bet, ok := bk.bets[userID]
	if !ok || bet.State != domain.BetPlaced {
		return domain.Bet{}, domain.ErrNoActiveBet
	}
	if _, busy := bk.cashing[userID]; busy {
		return domain.Bet{}, domain.ErrNoActiveBet
	}
	bk.cashing[userID] = struct{}{}
	bk.inflight.Add(1)
	return *bet, nil
}

// FinishCashout records a settled win and returns the final bet copy.
func (bk *BetBook) FinishCashout(userID uuid.UUID, x100 uint64, payout domain.BaseUnits) domain.Bet {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	defer bk.inflight.Done()
	delete(bk.cashing, userID)
	bet := bk.bets[userID]
	now := time.Now().UTC()
	bet.State = domain.BetCashedOut
	bet.CashoutX100 = &x100
	bet.Payout = &payout
	bet.SettledAt = &now
	return *bet
}

// AbortCashout returns a bet to the open set after a failed ledger write.
// If the window has closed in the meantime the bet falls through to the
// settlement drain and is settled as a loss.
func (bk *BetBook) AbortCashout(userID uuid.UUID) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	delete(bk.cashing, userID)
	bk.inflight.Done()
}

// AutoDue claims every open bet whose auto-cashout target is at or below the
// current multiplier and returns copies.  Claimed bets are in the cashing set;
// the scheduler settles each and calls FinishCashout or AbortCashout.
func (bk *BetBook) AutoDue(x100 uint64) []domain.Bet {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if !bk.cashable {
		return nil
	}
	var due []domain.Bet
	for userID, bet := range bk.bets {
		if bet.State != domain.BetPlaced || bet.AutoCashoutX100 == nil {
			continue
		}
		if _, busy := bk.cashing[userID]; busy {
			continue
		}
		if *bet.AutoCashoutX100 <= x100 {
			bk.cashing[userID] = struct{}{}
			bk.inflight.Add(1)
			due = append(due, *bet)
		}
	}
	return due
}

// CloseAndDrain shuts the betting and cashout windows, waits for in-flight
// placements and cashouts to land, and returns copies of every bet still
// open.  Those are the round's losers.
func (bk *BetBook) CloseAndDrain() []domain.Bet {
	bk.mu.Lock()
	bk.betting = false
	bk.cashable = false
	bk.mu.Unlock()

	bk.inflight.Wait()

	bk.mu.Lock()
	defer bk.mu.Unlock()
	var open []domain.Bet
	for _, bet := range bk.bets {
		if bet.State == domain.BetPlaced {
			open = append(open, *bet)
		}
	}
	return open
}

// MarkLost records the loss settlement for a drained bet.
func (bk *BetBook) MarkLost(userID uuid.UUID) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	bet, ok := bk.bets[userID]
	if !ok || bet.State != domain.BetPlaced {
		return
	}
	now := time.Now().UTC()
	bet.State = domain.BetLost
	bet.SettledAt = &now
}

// Get returns a copy of the user's bet in the current round.
func (bk *BetBook) Get(userID uuid.UUID) (domain.Bet, bool) {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	bet, ok := bk.bets[userID]
	if !ok {
		return domain.Bet{}, false
	}
	return *bet, true
}

// All returns copies of every bet in the round, for the aggregate bet list.
func (bk *BetBook) All() []domain.Bet {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	out := make([]domain.Bet, 0, len(bk.bets))
	for _, bet := range bk.bets {
		out = append(out, *bet)
	}
	return out
}

// Count returns the number of bets in the round.
func (bk *BetBook) Count() int {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	return len(bk.bets)
}
