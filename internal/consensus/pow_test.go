package consensus

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

func TestTarget(t *testing.T) {
	if Target(1).Cmp(maxUint256) != 0 {
		t.Fatal("difficulty 1 target should be MaxUint256")
	}
	half := new(big.Int).Div(maxUint256, big.NewInt(2))
	if Target(2).Cmp(half) != 0 {
		t.Fatal("difficulty 2 target should be half the space")
	}
	if Target(0).Sign() != 0 {
		t.Fatal("zero difficulty should have zero target")
	}
}

func TestSolve_MeetsTarget(t *testing.T) {
	h := &block.Header{Version: 1, Height: 1, Difficulty: 16}
	if err := Solve(context.Background(), h); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !MeetsTarget(h) {
		t.Fatal("solved header does not meet target")
	}
}

func TestSolve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &block.Header{Difficulty: ^uint64(0)}
	if err := Solve(ctx, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("Solve() = %v, want context.Canceled", err)
	}
}

func TestCalcNextDifficulty(t *testing.T) {
	tests := []struct {
		name             string
		cur              uint64
		actual, expected int64
		want             uint64
	}{
		{"on target", 100, 600, 600, 100},
		{"twice as fast", 100, 300, 600, 200},
		{"twice as slow", 100, 1200, 600, 50},
		{"clamped up", 100, 1, 600, 400},
		{"clamped down", 100, 100000, 600, 25},
		{"floor", 1, 100000, 600, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalcNextDifficulty(tt.cur, tt.actual, tt.expected); got != tt.want {
				t.Errorf("CalcNextDifficulty(%d, %d, %d) = %d, want %d", tt.cur, tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}

func TestExpectedDifficulty(t *testing.T) {
	p := config.MainnetParams()
	p.AdjustInterval = 10
	p.TargetBlockTime = 10
	p.MinDifficulty = 1
	ts := func(h uint64) (uint64, error) { return h * 5, nil } // blocks twice as fast

	got, err := ExpectedDifficulty(p, 1, 0, ts)
	if err != nil || got != p.InitialDifficulty {
		t.Fatalf("height 1 = %d, %v; want initial", got, err)
	}
	got, _ = ExpectedDifficulty(p, 15, 1000, ts)
	if got != 1000 {
		t.Fatalf("non-boundary = %d, want carried 1000", got)
	}
	// span 10 -> 19 is 45s against 100s expected
	got, _ = ExpectedDifficulty(p, 20, 1000, ts)
	if got != 1000*100/45 {
		t.Fatalf("boundary = %d, want %d", got, 1000*100/45)
	}

	// A span past the int64 range is the slowest possible period, not a
	// negative one.
	far := func(h uint64) (uint64, error) {
		if h == 19 {
			return 1<<63 + 5, nil
		}
		return h * 5, nil
	}
	got, _ = ExpectedDifficulty(p, 20, 1000, far)
	if got != 1000/4 {
		t.Fatalf("overflowing span = %d, want %d", got, 1000/4)
	}

	boom := errors.New("no ancestor")
	if _, err := ExpectedDifficulty(p, 20, 1000, func(uint64) (uint64, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("missing ancestor = %v", err)
	}
}
