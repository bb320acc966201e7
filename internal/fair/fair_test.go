package fair_test

import (
	"strings"
	"testing"

	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/fair"
)

var testParams = fair.Params{EdgeBps: 300, InstantCrashDivisor: 33, MaxX100: 100000}

func TestGenerateServerSeed(t *testing.T) {
	seed, commit, err := fair.GenerateServerSeed()
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) != 64 {
		t.Errorf("seed hex length = %d, want 64", len(seed))
	}
	if err := fair.VerifyCommit(seed, commit); err != nil {
		t.Errorf("fresh commitment does not verify: %v", err)
	}
	if err := fair.VerifyCommit(seed, strings.Repeat("0", 64)); err == nil {
		t.Error("wrong commitment should fail verification")
	}
}

// TestCrashPoint_Deterministic: same inputs always reproduce the same crash
// point — the property the public verifier depends on.
func TestCrashPoint_Deterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	for nonce := int64(0); nonce < 50; nonce++ {
		a := testParams.CrashPoint(seed, "client-seed", nonce)
		b := testParams.CrashPoint(seed, "client-seed", nonce)
		if a != b {
			t.Fatalf("nonce %d: %d != %d", nonce, a, b)
		}
	}
}

func TestCrashPoint_Bounds(t *testing.T) {
	seed := strings.Repeat("cd", 32)
	for nonce := int64(0); nonce < 500; nonce++ {
		x100 := testParams.CrashPoint(seed, "bounds", nonce)
		if x100 < domain.MultiplierDen {
			t.Fatalf("nonce %d: crash %d below 1.00×", nonce, x100)
		}
		if x100 > testParams.MaxX100 {
			t.Fatalf("nonce %d: crash %d above cap %d", nonce, x100, testParams.MaxX100)
		}
	}
}

// TestCrashPoint_InstantCrash: with divisor 2 roughly half of all rounds are
// instant; 200 nonces without one would mean the branch is broken.
func TestCrashPoint_InstantCrash(t *testing.T) {
	p := fair.Params{EdgeBps: 300, InstantCrashDivisor: 2, MaxX100: 100000}
	seed := strings.Repeat("ef", 32)
	instant := 0
	for nonce := int64(0); nonce < 200; nonce++ {
		if p.CrashPoint(seed, "instant", nonce) == domain.MultiplierDen {
			instant++
		}
	}
	if instant == 0 {
		t.Error("no instant crash in 200 rounds with divisor 2")
	}
	if instant == 200 {
		t.Error("every round instant-crashed with divisor 2")
	}
}

// TestCrashPoint_EdgeMonotone: raising the house edge never raises the crash
// point.
func TestCrashPoint_EdgeMonotone(t *testing.T) {
	noEdge := fair.Params{EdgeBps: 0, InstantCrashDivisor: 33, MaxX100: 100000}
	seed := strings.Repeat("12", 32)
	for nonce := int64(0); nonce < 200; nonce++ {
		if testParams.CrashPoint(seed, "edge", nonce) > noEdge.CrashPoint(seed, "edge", nonce) {
			t.Fatalf("nonce %d: edge raised the crash point", nonce)
		}
	}
}

func TestVerifyRound(t *testing.T) {
	seed, commit, err := fair.GenerateServerSeed()
	if err != nil {
		t.Fatal(err)
	}
	round := domain.RevealedRound{
		RoundID:    42,
		CommitHash: commit,
		ServerSeed: seed,
		ClientSeed: "public-client-seed",
		Nonce:      42,
		CrashX100:  testParams.CrashPoint(seed, "public-client-seed", 42),
	}
	if err := testParams.VerifyRound(round); err != nil {
		t.Fatalf("honest round fails verification: %v", err)
	}

	tampered := round
	tampered.CrashX100 = round.CrashX100 + 1
	if err := testParams.VerifyRound(tampered); err == nil {
		t.Error("tampered crash point should fail verification")
	}

	forged := round
	forged.ServerSeed = strings.Repeat("00", 32)
	if err := testParams.VerifyRound(forged); err == nil {
		t.Error("swapped server seed should fail the commitment check")
	}
}

func TestSeedRotator(t *testing.T) {
	r, err := fair.NewSeedRotator()
	if err != nil {
		t.Fatal(err)
	}
	first := r.Current()
	if first == "" {
		t.Fatal("fresh rotator must start with a non-empty seed")
	}
	r.Rotate("community-chosen")
	if r.Current() != "community-chosen" {
		t.Errorf("Current() = %q after rotate", r.Current())
	}
}
