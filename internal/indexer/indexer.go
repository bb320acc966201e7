// Package indexer watches the chain for native-token deposits into the hot
// wallet and credits them through the balance engine.  Polling against
// confirmed heights is the sole credit path; the websocket head stream only
// wakes the poller early.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/obs"
	"github.com/evetabi/crash/internal/service"
)

// maxBatch caps how many blocks one polling cycle scans, so a long outage
// catches up without starving the RPC endpoint.
const maxBatch = 100

// alertAfter is how long the indexer tolerates continuous RPC failure before
// escalating the log level.
const alertAfter = 5 * time.Minute

// ChainClient is the subset of the Ethereum RPC the indexer and the solvency
// watchdog use.  *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
}

// Dial initialises an Ethereum RPC client for the configured endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("indexer: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// UserResolver maps a depositing wallet to a registered account.
type UserResolver interface {
	ResolveWallet(ctx context.Context, wallet string) (uuid.UUID, bool, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Indexer
// ──────────────────────────────────────────────────────────────────────────────

// Indexer scans confirmed blocks for transfers into the hot wallet and
// credits each exactly once, keyed by (tx_hash, tx_index).  The checkpoint
// lives in the ledger store; crediting is idempotent, so rescanning after a
// crash is safe.
type Indexer struct {
	cfg       config.ChainConfig
	client    ChainClient
	store     ledger.Store
	users     UserResolver
	engine    *service.BalanceEngine
	logger    *slog.Logger
	hotWallet common.Address
	signer    gethtypes.Signer

	lag  atomic.Uint64
	hint chan struct{}
}

// New builds an Indexer.  The chain id is fetched lazily on the first scan.
func New(
	cfg config.ChainConfig,
	client ChainClient,
	store ledger.Store,
	users UserResolver,
	engine *service.BalanceEngine,
	logger *slog.Logger,
) *Indexer {
	return &Indexer{
		cfg:       cfg,
		client:    client,
		store:     store,
		users:     users,
		engine:    engine,
		logger:    logger,
		hotWallet: common.HexToAddress(cfg.HotWallet),
		hint:      make(chan struct{}, 1),
	}
}

// LagBlocks reports how far the checkpoint trails the chain head.
func (ix *Indexer) LagBlocks() uint64 { return ix.lag.Load() }

// Run polls until ctx is cancelled.  RPC failures back off exponentially
// (1s → 60s with jitter); failure lasting more than five minutes escalates
// to an error-level alert.
func (ix *Indexer) Run(ctx context.Context) error {
	if ix.cfg.WSURL != "" {
		go ix.streamHints(ctx)
	}

	backoff := time.Second
	var failingSince time.Time

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-ix.hint:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := ix.scanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			if time.Since(failingSince) > alertAfter {
				ix.logger.Error("indexer unable to reach chain", "since", failingSince, "error", err)
			} else {
				ix.logger.Warn("scan failed, backing off", "backoff", backoff, "error", err)
			}
			timer.Reset(jitter(backoff))
			if backoff *= 2; backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		failingSince = time.Time{}
		backoff = time.Second
		timer.Reset(ix.cfg.PollingInterval)
	}
}

// scanOnce advances the checkpoint through the confirmed range
// [checkpoint+1, head − reorg_buffer].
func (ix *Indexer) scanOnce(ctx context.Context) error {
	head, err := ix.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	headNum := head.Number.Uint64()

	checkpoint, err := ix.store.CheckpointGet(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if checkpoint == 0 && ix.cfg.StartBlock > 0 {
		checkpoint = ix.cfg.StartBlock - 1
	}

	// The reorg buffer dominates the confirmation requirement: nothing
	// shallower than reorg_buffer blocks is ever scanned.
	depth := ix.cfg.ReorgBuffer
	if ix.cfg.Confirmations > depth {
		depth = ix.cfg.Confirmations
	}
	if headNum <= depth {
		ix.lag.Store(0)
		return nil
	}
	safe := headNum - depth
	if headNum > checkpoint {
		ix.lag.Store(headNum - checkpoint)
	} else {
		ix.lag.Store(0)
	}
	obs.IndexerLag.Set(float64(ix.lag.Load()))
	if safe <= checkpoint {
		return nil
	}

	if ix.signer == nil {
		chainID, err := ix.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		ix.signer = gethtypes.LatestSignerForChainID(chainID)
	}

	to := safe
	if to-checkpoint > maxBatch {
		to = checkpoint + maxBatch
	}
	for height := checkpoint + 1; height <= to; height++ {
		if err := ix.scanBlock(ctx, height, headNum); err != nil {
			return err
		}
		if err := ix.store.CheckpointSet(ctx, height); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
	}
	return nil
}

func (ix *Indexer) scanBlock(ctx context.Context, height, head uint64) error {
	block, err := ix.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return fmt.Errorf("block %d: %w", height, err)
	}
	for txIndex, tx := range block.Transactions() {
		if tx.To() == nil || *tx.To() != ix.hotWallet || tx.Value().Sign() <= 0 {
			continue
		}
		sender, err := gethtypes.Sender(ix.signer, tx)
		if err != nil {
			ix.logger.Warn("unrecoverable deposit sender",
				"tx_hash", tx.Hash().Hex(), "block", height, "error", err)
			continue
		}
		if err := ix.credit(ctx, tx, int64(txIndex), sender, height, head); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) credit(
	ctx context.Context,
	tx *gethtypes.Transaction,
	txIndex int64,
	sender common.Address,
	height, head uint64,
) error {
	wallet := strings.ToLower(sender.Hex())
	userID, found, err := ix.users.ResolveWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", wallet, err)
	}
	if !found {
		// Funds sit in the hot wallet unattributed until support maps the
		// sender; the scan stays idempotent, so a later rescan credits it.
		ix.logger.Warn("unattributed deposit held",
			"tx_hash", tx.Hash().Hex(), "from", wallet, "amount", tx.Value().String(), "block", height)
		return nil
	}
	amount, err := domain.FromBigInt(tx.Value())
	if err != nil {
		return err
	}
	if _, err := ix.engine.RecordDeposit(ctx, tx.Hash().Hex(), txIndex, userID, amount); err != nil {
		return fmt.Errorf("credit %s: %w", tx.Hash().Hex(), err)
	}
	obs.DepositsTotal.Inc()
	ix.logger.Info("deposit confirmed",
		"tx_hash", tx.Hash().Hex(), "user", userID, "amount", amount.Token(),
		"confirmations", head-height+1)
	return nil
}

// streamHints subscribes to new heads and wakes the poller early.  The
// stream is advisory only: a dead subscription degrades to pure polling.
func (ix *Indexer) streamHints(ctx context.Context) {
	for ctx.Err() == nil {
		heads := make(chan *gethtypes.Header, 16)
		sub, err := ix.client.SubscribeNewHead(ctx, heads)
		if err != nil {
			ix.logger.Warn("head stream unavailable, polling only", "error", err)
			if !sleepCtx(ctx, 30*time.Second) {
				return
			}
			continue
		}
		ix.consumeHeads(ctx, sub, heads)
	}
}

func (ix *Indexer) consumeHeads(ctx context.Context, sub ethereum.Subscription, heads <-chan *gethtypes.Header) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			ix.logger.Warn("head stream dropped", "error", err)
			return
		case <-heads:
			select {
			case ix.hint <- struct{}{}:
			default:
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
