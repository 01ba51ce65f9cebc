package usage

import (
	"math"
	"testing"
)

func TestCostFormula(t *testing.T) {
	cases := []struct {
		name   string
		class  ModelClass
		input  int64
		output int64
		want   float64
	}{
		{"haiku basic spawn", ModelHaiku, 100, 250, 0.0003},
		{"sonnet round up", ModelSonnet, 1_000_000, 0, 3.00},
		{"opus mix", ModelOpus, 1_000_000, 1_000_000, 90.00},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Cost(tc.class, tc.input, tc.output)
			if err != nil {
				t.Fatalf("Cost: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-4 {
				t.Errorf("Cost(%s, %d, %d) = %v, want %v", tc.class, tc.input, tc.output, got, tc.want)
			}
		})
	}
}

func TestCostUnknownModel(t *testing.T) {
	if _, err := Cost("gpt-5", 1, 1); err == nil {
		t.Fatal("expected error for unknown model class")
	}
}

func TestRoundHalfUp(t *testing.T) {
	if got := roundHalfUp(0.00005, 4); got != 0.0001 {
		t.Errorf("roundHalfUp(0.00005, 4) = %v, want 0.0001", got)
	}
	if got := roundHalfUp(0.000338, 4); got != 0.0003 {
		t.Errorf("roundHalfUp(0.000338, 4) = %v, want 0.0003", got)
	}
}
