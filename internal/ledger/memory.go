package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/evetabi/crash/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same transactional semantics
// as the Postgres implementation: one writer at a time, all-or-nothing
// transactions, idempotent appends.  Used by unit tests and the property
// suites; never in production.
type MemoryStore struct {
	mu         sync.Mutex
	accounts   map[uuid.UUID]*domain.Account
	entries    []*domain.LedgerEntry
	clientIdx  map[string]int64 // user|op|client_id → entry id
	depositIdx map[string]int64 // tx_hash|log_index → entry id
	nextID     int64
	checkpoint uint64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[uuid.UUID]*domain.Account),
		clientIdx:  make(map[string]int64),
		depositIdx: make(map[string]int64),
		nextID:     1,
	}
}

func clientKey(userID uuid.UUID, op domain.OpType, clientID uuid.UUID) string {
	return userID.String() + "|" + string(op) + "|" + clientID.String()
}

func depositKey(txHash string, logIndex int64) string {
	return fmt.Sprintf("%s|%d", txHash, logIndex)
}

// memTx stages mutations and applies them on commit.
type memTx struct {
	store    *MemoryStore
	accounts map[uuid.UUID]*domain.Account // staged working copies
	appended []*domain.LedgerEntry
}

// Tx serializes all transactions behind one lock; fn sees a consistent
// snapshot and its writes become visible atomically.
func (s *MemoryStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.TransientIO(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, accounts: make(map[uuid.UUID]*domain.Account)}
	if err := fn(tx); err != nil {
		return err // staged state discarded
	}

	for id, acct := range tx.accounts {
		cp := *acct
		s.accounts[id] = &cp
	}
	for _, e := range tx.appended {
		s.entries = append(s.entries, e)
		if e.Ref.ClientID != nil {
			s.clientIdx[clientKey(e.UserID, e.OpType, *e.Ref.ClientID)] = e.ID
		}
		if e.Ref.TxHash != nil && e.Ref.LogIndex != nil {
			s.depositIdx[depositKey(*e.Ref.TxHash, *e.Ref.LogIndex)] = e.ID
		}
	}
	return nil
}

func (t *memTx) LockAccount(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	if acct, ok := t.accounts[userID]; ok {
		return acct, nil
	}
	var cp domain.Account
	if existing, ok := t.store.accounts[userID]; ok {
		cp = *existing
	} else {
		cp = domain.Account{UserID: userID, UpdatedAt: time.Now().UTC()}
	}
	t.accounts[userID] = &cp
	return &cp, nil
}

func (t *memTx) SaveAccount(_ context.Context, acct *domain.Account) error {
	cp := *acct
	cp.UpdatedAt = time.Now().UTC()
	t.accounts[acct.UserID] = &cp
	return nil
}

func (t *memTx) Append(_ context.Context, e *domain.LedgerEntry) (bool, error) {
	if e.Ref.ClientID != nil {
		if _, dup := t.store.clientIdx[clientKey(e.UserID, e.OpType, *e.Ref.ClientID)]; dup {
			return false, nil
		}
		for _, staged := range t.appended {
			if staged.Ref.ClientID != nil && *staged.Ref.ClientID == *e.Ref.ClientID &&
				staged.UserID == e.UserID && staged.OpType == e.OpType {
				return false, nil
			}
		}
	}
	if e.Ref.TxHash != nil && e.Ref.LogIndex != nil {
		if _, dup := t.store.depositIdx[depositKey(*e.Ref.TxHash, *e.Ref.LogIndex)]; dup {
			return false, nil
		}
	}
	cp := *e
	cp.ID = t.store.nextID
	t.store.nextID++
	cp.CreatedAt = time.Now().UTC()
	t.appended = append(t.appended, &cp)
	e.ID = cp.ID
	return true, nil
}

func (t *memTx) FindBetLock(_ context.Context, userID, clientID uuid.UUID) (*domain.LedgerEntry, error) {
	if id, ok := t.store.clientIdx[clientKey(userID, domain.OpBetLock, clientID)]; ok {
		for _, e := range t.store.entries {
			if e.ID == id {
				cp := *e
				return &cp, nil
			}
		}
	}
	for _, e := range t.appended {
		if e.UserID == userID && e.OpType == domain.OpBetLock &&
			e.Ref.ClientID != nil && *e.Ref.ClientID == clientID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNoMatchingLock
}

// ──────────────────────────────────────────────────────────────────────────────
// Non-transactional reads
// ──────────────────────────────────────────────────────────────────────────────

func (s *MemoryStore) GetAccount(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &domain.Account{UserID: userID}, nil
}

func (s *MemoryStore) SetFrozen(_ context.Context, userID uuid.UUID, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		acct = &domain.Account{UserID: userID}
		s.accounts[userID] = acct
	}
	acct.Frozen = frozen
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UserEntries(_ context.Context, userID uuid.UUID, limit int) ([]*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].UserID == userID {
			cp := *s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Totals(_ context.Context) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Totals
	for _, acct := range s.accounts {
		t.SnapshotAvailable = t.SnapshotAvailable.Add(acct.Available)
		t.SnapshotLocked = t.SnapshotLocked.Add(acct.Locked)
	}

	net := new(big.Int)
	for _, e := range s.entries {
		switch e.Signed() {
		case +1:
			net.Add(net, e.Amount.BigInt())
		case -1:
			net.Sub(net, e.Amount.BigInt())
		}
		// A win releases its lock: the staked amount leaves the books as the
		// payout lands.
		if e.OpType == domain.OpBetWin && e.Ref.BetAmount != nil {
			net.Sub(net, e.Ref.BetAmount.BigInt())
		}
	}
	if net.Sign() < 0 {
		// A negative reconstruction is itself a drift signal; clamp so the
		// caller sees the discrepancy against the snapshot side.
		net.SetInt64(0)
	}
	reconstructed, err := domain.FromBigInt(net)
	if err != nil {
		return Totals{}, err
	}
	t.Reconstructed = reconstructed
	return t, nil
}

func (s *MemoryStore) CheckpointGet(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, nil
}

func (s *MemoryStore) CheckpointSet(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = height
	return nil
}
