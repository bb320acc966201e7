package service

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/ledger"
)

// totalsStub serves fixed reconciliation totals; only Totals is ever called
// by the audit.
type totalsStub struct {
	ledger.Store
	totals ledger.Totals
}

func (s totalsStub) Totals(context.Context) (ledger.Totals, error) { return s.totals, nil }

type fixedWallet struct{ bal *big.Int }

func (w fixedWallet) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(w.bal), nil
}

func solvencyCfg() config.SolvencyConfig {
	return config.SolvencyConfig{Interval: 10 * time.Second, LiabilityKillRatio: 0.95}
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestSolvency_DriftEngagesKill(t *testing.T) {
	store := totalsStub{totals: ledger.Totals{
		SnapshotAvailable: domain.MustParseToken("100"),
		SnapshotLocked:    domain.Zero(),
		Reconstructed:     domain.MustParseToken("90"),
	}}
	kill := NewSwitch()
	svc := NewSolvencyService(solvencyCfg(), store, nil, "", kill, slog.Default())

	require.NoError(t, svc.checkOnce(context.Background()))
	require.True(t, kill.Engaged(), "nonzero drift must engage the kill switch")

	report := svc.LastReport()
	require.NotNil(t, report)
	require.NotEqual(t, "0", report.DriftBaseUnits)
}

func TestSolvency_CleanLedgerPasses(t *testing.T) {
	store := ledger.NewMemoryStore()
	kill := NewSwitch()
	engine := NewBalanceEngine(store, kill, slog.Default())
	ctx := context.Background()

	user := uuid.New()
	_, err := engine.RecordDeposit(ctx, "0xaaa", 0, user, domain.MustParseToken("100"))
	require.NoError(t, err)
	_, err = engine.PlaceBet(ctx, user, domain.MustParseToken("10"), 1, uuid.New(), 1)
	require.NoError(t, err)

	svc := NewSolvencyService(solvencyCfg(), store, nil, "", kill, slog.Default())
	require.NoError(t, svc.checkOnce(ctx))
	require.False(t, kill.Engaged())

	report := svc.LastReport()
	require.NotNil(t, report)
	require.Equal(t, "0", report.DriftBaseUnits)
	require.Equal(t, "100", report.Liabilities)
}

func TestSolvency_LiabilityRatioEngagesKill(t *testing.T) {
	store := totalsStub{totals: ledger.Totals{
		SnapshotAvailable: domain.MustParseToken("96"),
		SnapshotLocked:    domain.Zero(),
		Reconstructed:     domain.MustParseToken("96"),
	}}
	kill := NewSwitch()
	svc := NewSolvencyService(solvencyCfg(), store, fixedWallet{eth(100)}, "0x0000000000000000000000000000000000000001", kill, slog.Default())

	require.NoError(t, svc.checkOnce(context.Background()))
	require.True(t, kill.Engaged(), "96/100 liabilities must breach the 0.95 limit")
	require.InDelta(t, 0.96, svc.LastReport().LiabilityRatio, 0.001)
}

// TestSolvency_NeverAutoClears: a healthy audit after a breach leaves the
// switch engaged; only an operator clears it.
func TestSolvency_NeverAutoClears(t *testing.T) {
	kill := NewSwitch()
	kill.Set(true)

	store := totalsStub{totals: ledger.Totals{
		SnapshotAvailable: domain.MustParseToken("10"),
		SnapshotLocked:    domain.Zero(),
		Reconstructed:     domain.MustParseToken("10"),
	}}
	svc := NewSolvencyService(solvencyCfg(), store, fixedWallet{eth(100)}, "0x0000000000000000000000000000000000000001", kill, slog.Default())

	require.NoError(t, svc.checkOnce(context.Background()))
	require.True(t, kill.Engaged())
}

func TestSolvency_AllowCredit(t *testing.T) {
	store := totalsStub{totals: ledger.Totals{
		SnapshotAvailable: domain.MustParseToken("90"),
		SnapshotLocked:    domain.Zero(),
		Reconstructed:     domain.MustParseToken("90"),
	}}
	kill := NewSwitch()
	svc := NewSolvencyService(solvencyCfg(), store, fixedWallet{eth(100)}, "0x0000000000000000000000000000000000000001", kill, slog.Default())

	// Before the first audit every credit passes.
	require.NoError(t, svc.AllowCredit(domain.MustParseToken("1000")))

	require.NoError(t, svc.checkOnce(context.Background()))
	require.False(t, kill.Engaged())

	// 90 + 4 against 100 stays under 0.95; 90 + 6 breaches it.
	require.NoError(t, svc.AllowCredit(domain.MustParseToken("4")))
	err := svc.AllowCredit(domain.MustParseToken("6"))
	require.ErrorIs(t, err, domain.ErrSolvencyBlocked)
}
