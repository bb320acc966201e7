// Package fair implements the provably-fair crash point generator.
//
// Per round the server draws a 32-byte seed and publishes
// commit = SHA256(server_seed) before betting opens.  After settlement the
// seed is revealed and anyone can recompute
//
//	h     = SHA256(server_seed_hex ":" client_seed ":" nonce)
//	H     = first 52 bits of h
//	crash = max(1.00, floor(100·(1−edge)·2^52 / max(H,1)) / 100), capped
//
// with a deterministic 1-in-divisor instant crash when H mod divisor == 0.
// The whole computation is integer arithmetic; no floats are involved.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/evetabi/crash/internal/domain"
)

// hBits is how many leading bits of the hash feed the crash point.
const hBits = 52

// Params fixes the house policy for crash point generation.  The values are
// configuration but must stay constant for a deployment so every revealed
// round remains verifiable.
type Params struct {
	EdgeBps             uint64 // house edge in basis points, 0..500 (0.03 = 300)
	InstantCrashDivisor uint64 // H mod divisor == 0 → instant crash; ≥2
	MaxX100             uint64 // multiplier cap in hundredths (1000.00× = 100000)
}

// GenerateServerSeed draws 32 bytes of cryptographically secure randomness
// and returns (seed, commitment) as lowercase hex strings.
func GenerateServerSeed() (seedHex, commitHex string, err error) {
	seed := make([]byte, 32)
	if _, err = rand.Read(seed); err != nil {
		return "", "", fmt.Errorf("fair.GenerateServerSeed: %w", err)
	}
	seedHex = hex.EncodeToString(seed)
	return seedHex, Commit(seedHex), nil
}

// Commit returns the published commitment for a server seed.
func Commit(serverSeedHex string) string {
	sum := sha256.Sum256([]byte(serverSeedHex))
	return hex.EncodeToString(sum[:])
}

// roundHash computes H, the first 52 bits of the round hash, as an integer.
func roundHash(serverSeedHex, clientSeed string, nonce int64) uint64 {
	input := fmt.Sprintf("%s:%s:%d", serverSeedHex, clientSeed, nonce)
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8]) >> (64 - hBits)
}

// CrashPoint derives the crash multiplier (in hundredths) for a round.
func (p Params) CrashPoint(serverSeedHex, clientSeed string, nonce int64) uint64 {
	h := roundHash(serverSeedHex, clientSeed, nonce)

	if p.InstantCrashDivisor >= 2 && h%p.InstantCrashDivisor == 0 {
		return domain.MultiplierDen // exactly 1.00×
	}
	if h == 0 {
		h = 1 // max(r, 2^-52)
	}

	// crashX100 = floor(2^52 · (10000 − edgeBps) / (100 · H))
	num := new(big.Int).Lsh(big.NewInt(int64(10000-p.EdgeBps)), hBits)
	den := new(big.Int).Mul(big.NewInt(100), new(big.Int).SetUint64(h))
	crash := new(big.Int).Quo(num, den)

	x100 := crash.Uint64()
	if !crash.IsUint64() || x100 > p.MaxX100 {
		x100 = p.MaxX100
	}
	if x100 < domain.MultiplierDen {
		x100 = domain.MultiplierDen
	}
	return x100
}

// VerifyCommit checks that a revealed server seed matches its published
// commitment.
func VerifyCommit(serverSeedHex, commitHex string) error {
	if Commit(serverSeedHex) != commitHex {
		return fmt.Errorf("%w: commitment mismatch", domain.ErrFairnessViolation)
	}
	return nil
}

// VerifyRound recomputes a revealed round end to end and fails with
// FairnessViolation if either the commitment or the crash point does not
// reproduce.
func (p Params) VerifyRound(r domain.RevealedRound) error {
	if err := VerifyCommit(r.ServerSeed, r.CommitHash); err != nil {
		return fmt.Errorf("round %d: %w", r.RoundID, err)
	}
	if got := p.CrashPoint(r.ServerSeed, r.ClientSeed, r.Nonce); got != r.CrashX100 {
		return fmt.Errorf("%w: round %d recomputed %s, published %s",
			domain.ErrFairnessViolation, r.RoundID,
			domain.FormatMultiplier(got), domain.FormatMultiplier(r.CrashX100))
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Client seed policy
// ──────────────────────────────────────────────────────────────────────────────

// SeedRotator implements the house client-seed policy: one global seed,
// rotated by admin command.  The active seed is captured into each round at
// betting open, so rotation never invalidates past reveals.
type SeedRotator struct {
	mu   sync.RWMutex
	seed string
}

// NewSeedRotator starts with a random seed so a fresh deployment is never
// predictable.
func NewSeedRotator() (*SeedRotator, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("fair.NewSeedRotator: %w", err)
	}
	return &SeedRotator{seed: hex.EncodeToString(raw)}, nil
}

// Current returns the active client seed.
func (s *SeedRotator) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed
}

// Rotate installs a new client seed for subsequent rounds.
func (s *SeedRotator) Rotate(seed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seed = seed
}
