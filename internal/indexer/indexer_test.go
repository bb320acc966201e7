package indexer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/service"
)

var testChainID = big.NewInt(1337)

// fakeChain serves canned blocks; only transactions matter to the scanner,
// so headers carry nothing but a number.
type fakeChain struct {
	mu     sync.Mutex
	head   uint64
	blocks map[uint64][]*gethtypes.Transaction
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number == nil {
		return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head)}, nil
	}
	return &gethtypes.Header{Number: new(big.Int).Set(number)}, nil
}

func (f *fakeChain) BlockByNumber(_ context.Context, number *big.Int) (*gethtypes.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := &gethtypes.Header{Number: new(big.Int).Set(number)}
	body := gethtypes.Body{Transactions: f.blocks[number.Uint64()]}
	return gethtypes.NewBlockWithHeader(header).WithBody(body), nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) SubscribeNewHead(context.Context, chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	return nil, errors.New("no websocket")
}

func (f *fakeChain) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

func (f *fakeChain) addTx(block uint64, tx *gethtypes.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[block] = append(f.blocks[block], tx)
}

// walletDir resolves depositors registered in the test.
type walletDir struct {
	mu    sync.Mutex
	users map[string]uuid.UUID
}

func (d *walletDir) ResolveWallet(_ context.Context, wallet string) (uuid.UUID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.users[strings.ToLower(wallet)]
	return id, ok, nil
}

func (d *walletDir) register(key *ecdsa.PrivateKey) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	d.users[strings.ToLower(addr.Hex())] = id
	return id
}

type indexerFixture struct {
	ix     *Indexer
	chain  *fakeChain
	store  *ledger.MemoryStore
	engine *service.BalanceEngine
	users  *walletDir
	hot    common.Address
	key    *ecdsa.PrivateKey
	nonce  uint64
}

func newIndexerFixture(t *testing.T) *indexerFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hotKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	hot := crypto.PubkeyToAddress(hotKey.PublicKey)

	store := ledger.NewMemoryStore()
	engine := service.NewBalanceEngine(store, service.NewSwitch(), slog.Default())
	chain := &fakeChain{blocks: make(map[uint64][]*gethtypes.Transaction)}
	users := &walletDir{users: make(map[string]uuid.UUID)}
	cfg := config.ChainConfig{
		HotWallet:       hot.Hex(),
		Confirmations:   2,
		ReorgBuffer:     3,
		PollingInterval: time.Second,
	}
	ix := New(cfg, chain, store, users, engine, slog.Default())
	return &indexerFixture{ix: ix, chain: chain, store: store, engine: engine, users: users, hot: hot, key: key}
}

// transfer signs a real transaction so the scanner can recover the sender.
func (fx *indexerFixture) transfer(t *testing.T, to common.Address, eth int64) *gethtypes.Transaction {
	t.Helper()
	signer := gethtypes.LatestSignerForChainID(testChainID)
	value := new(big.Int).Mul(big.NewInt(eth), big.NewInt(1e18))
	tx, err := gethtypes.SignNewTx(fx.key, signer, &gethtypes.LegacyTx{
		Nonce:    fx.nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)
	fx.nonce++
	return tx
}

func (fx *indexerFixture) available(t *testing.T, user uuid.UUID) string {
	t.Helper()
	bal, err := fx.engine.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return bal.Available.Token()
}

// ──────────────────────────────────────────────────────────────────────────────

// TestScan_CreditsOnceAcrossRescans: crediting is keyed by (tx_hash, index),
// so rewinding the checkpoint and rescanning the same blocks moves no money.
func TestScan_CreditsOnceAcrossRescans(t *testing.T) {
	fx := newIndexerFixture(t)
	ctx := context.Background()
	user := fx.users.register(fx.key)

	fx.chain.addTx(5, fx.transfer(t, fx.hot, 7))
	fx.chain.setHead(10) // safety depth 3 → blocks 1..7 are confirmed

	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "7", fx.available(t, user))

	cp, err := fx.store.CheckpointGet(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cp)

	// Simulated crash before the checkpoint write: rescan from genesis.
	require.NoError(t, fx.store.CheckpointSet(ctx, 0))
	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "7", fx.available(t, user), "rescan must not double-credit")
}

// TestScan_WaitsForConfirmation: a transfer above the safe height stays
// uncredited until the chain buries it.
func TestScan_WaitsForConfirmation(t *testing.T) {
	fx := newIndexerFixture(t)
	ctx := context.Background()
	user := fx.users.register(fx.key)

	fx.chain.addTx(9, fx.transfer(t, fx.hot, 3))
	fx.chain.setHead(10)

	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "0", fx.available(t, user))

	fx.chain.setHead(12) // block 9 is now 3 deep
	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "3", fx.available(t, user))
}

// TestScan_UnattributedHeld: an unknown sender does not stall the checkpoint;
// the deposit credits on a rescan after support maps the wallet.
func TestScan_UnattributedHeld(t *testing.T) {
	fx := newIndexerFixture(t)
	ctx := context.Background()

	fx.chain.addTx(4, fx.transfer(t, fx.hot, 5))
	fx.chain.setHead(10)

	require.NoError(t, fx.ix.scanOnce(ctx))
	cp, err := fx.store.CheckpointGet(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cp, "unknown sender must not block the scan")

	user := fx.users.register(fx.key)
	require.Equal(t, "0", fx.available(t, user))

	require.NoError(t, fx.store.CheckpointSet(ctx, 3))
	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "5", fx.available(t, user))
}

// TestScan_IgnoresForeignTraffic: only positive-value transfers to the hot
// wallet count.
func TestScan_IgnoresForeignTraffic(t *testing.T) {
	fx := newIndexerFixture(t)
	ctx := context.Background()
	user := fx.users.register(fx.key)

	other := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	fx.chain.addTx(5, fx.transfer(t, other, 9))
	fx.chain.addTx(5, fx.transfer(t, fx.hot, 0))
	fx.chain.setHead(10)

	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, "0", fx.available(t, user))
}

func TestScan_ReportsLag(t *testing.T) {
	fx := newIndexerFixture(t)
	ctx := context.Background()

	fx.chain.setHead(50)
	require.NoError(t, fx.ix.scanOnce(ctx))

	// The checkpoint reaches 47; the reported lag was measured against the
	// checkpoint as the scan began.
	cp, err := fx.store.CheckpointGet(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(47), cp)
	require.Equal(t, uint64(50), fx.ix.LagBlocks())

	require.NoError(t, fx.ix.scanOnce(ctx))
	require.Equal(t, uint64(3), fx.ix.LagBlocks())
}
