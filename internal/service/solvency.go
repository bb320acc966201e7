package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/obs"
)

// HotWalletReader reads the on-chain balance backing player funds.
// *ethclient.Client satisfies it.
type HotWalletReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Report is one solvency audit result, exposed on the health endpoint.
type Report struct {
	DriftBaseUnits string    `json:"drift_base_units"`
	Liabilities    string    `json:"liabilities"`
	HotWallet      string    `json:"hot_wallet"`
	LiabilityRatio float64   `json:"liability_ratio"`
	CheckedAt      time.Time `json:"checked_at"`
}

// SolvencyService continuously audits two invariants: the snapshot accounts
// must equal the reconstructed ledger (any drift is a severity-one fault),
// and total player liabilities must stay below the configured fraction of
// the hot wallet.  Breaching either engages the kill switch; the switch is
// never cleared automatically — an operator investigates first.
type SolvencyService struct {
	cfg       config.SolvencyConfig
	store     ledger.Store
	chain     HotWalletReader // nil disables the on-chain side
	hotWallet common.Address
	kill      *Switch
	logger    *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewSolvencyService builds the watchdog.  chain may be nil in environments
// without RPC access; only the drift audit runs then.
func NewSolvencyService(
	cfg config.SolvencyConfig,
	store ledger.Store,
	chain HotWalletReader,
	hotWallet string,
	kill *Switch,
	logger *slog.Logger,
) *SolvencyService {
	return &SolvencyService{
		cfg:       cfg,
		store:     store,
		chain:     chain,
		hotWallet: common.HexToAddress(hotWallet),
		kill:      kill,
		logger:    logger,
	}
}

// LastReport returns the most recent audit, or nil before the first run.
func (s *SolvencyService) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run audits on the configured cadence until ctx is cancelled.
func (s *SolvencyService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.checkOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("solvency audit failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *SolvencyService) checkOnce(ctx context.Context) error {
	totals, err := s.store.Totals(ctx)
	if err != nil {
		return fmt.Errorf("ledger totals: %w", err)
	}

	liabilities := totals.SnapshotAvailable.Add(totals.SnapshotLocked)
	drift := new(big.Int).Sub(liabilities.BigInt(), totals.Reconstructed.BigInt())
	drift.Abs(drift)
	obs.LedgerDrift.Set(bigFloat(drift))

	report := &Report{
		DriftBaseUnits: drift.String(),
		Liabilities:    liabilities.Token(),
		CheckedAt:      time.Now().UTC(),
	}

	if drift.Sign() != 0 && !s.kill.Engaged() {
		s.kill.Set(true)
		s.logger.Error("ledger drift detected, kill switch engaged",
			"drift_base_units", drift.String(),
			"snapshot", liabilities.String(),
			"reconstructed", totals.Reconstructed.String())
	}

	if s.chain != nil {
		raw, err := s.chain.BalanceAt(ctx, s.hotWallet, nil)
		if err != nil {
			s.record(report)
			return fmt.Errorf("hot wallet balance: %w", err)
		}
		hot, err := domain.FromBigInt(raw)
		if err != nil {
			s.record(report)
			return err
		}
		report.HotWallet = hot.Token()
		report.LiabilityRatio = ratio(liabilities, hot)
		obs.LiabilityRatio.Set(report.LiabilityRatio)

		if report.LiabilityRatio > s.cfg.LiabilityKillRatio && !s.kill.Engaged() {
			s.kill.Set(true)
			s.logger.Error("liability ratio breached, kill switch engaged",
				"ratio", report.LiabilityRatio,
				"limit", s.cfg.LiabilityKillRatio,
				"liabilities", liabilities.Token(),
				"hot_wallet", hot.Token())
		}
	}

	s.record(report)
	return nil
}

func (s *SolvencyService) record(r *Report) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// AllowCredit implements CreditGuard: a win credit is refused when it would
// push liabilities past the kill ratio against the last observed hot-wallet
// balance.  With no audit yet, or no chain access, credits pass — the
// periodic audit is the backstop.
func (s *SolvencyService) AllowCredit(amount domain.BaseUnits) error {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last == nil || last.HotWallet == "" {
		return nil
	}
	liabilities, err := domain.ParseToken(last.Liabilities)
	if err != nil {
		return nil
	}
	hot, err := domain.ParseToken(last.HotWallet)
	if err != nil {
		return nil
	}
	if ratio(liabilities.Add(amount), hot) > s.cfg.LiabilityKillRatio {
		return fmt.Errorf("%w: credit %s would breach liability ratio %.2f",
			domain.ErrSolvencyBlocked, amount.Token(), s.cfg.LiabilityKillRatio)
	}
	return nil
}

// ratio converts to float only for the gauge and the threshold comparison;
// no money flows through it.
func ratio(liabilities, hot domain.BaseUnits) float64 {
	if !hot.IsPositive() {
		if liabilities.IsPositive() {
			return 1e9 // liabilities with an empty wallet: maximally insolvent
		}
		return 0
	}
	num := new(big.Float).SetInt(liabilities.BigInt())
	den := new(big.Float).SetInt(hot.BigInt())
	out, _ := new(big.Float).Quo(num, den).Float64()
	return out
}

func bigFloat(n *big.Int) float64 {
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}
