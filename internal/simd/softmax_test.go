package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float64
		expected []float64
	}{
		{
			name:     "simple",
			input:    []float64{1, 2, 3},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float64{-1, -2, -3},
			expected: []float64{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float64{0, 0, 0},
			expected: []float64{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "empty",
			input:    []float64{},
			expected: []float64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float64, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Errorf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(input[i]-tc.expected[i]) > 1e-8 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestLogSoftmaxMatchesSoftmax(t *testing.T) {
	input := []float64{0.5, -1.25, 3, 3, 0}

	probs := append([]float64(nil), input...)
	Softmax(probs)
	logs := append([]float64(nil), input...)
	LogSoftmax(logs)

	sum := 0.0
	for i := range logs {
		if math.Abs(math.Exp(logs[i])-probs[i]) > 1e-12 {
			t.Errorf("index %d: exp(log softmax)=%v, softmax=%v", i, math.Exp(logs[i]), probs[i])
		}
		sum += math.Exp(logs[i])
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("expected probabilities to sum to 1, got %v", sum)
	}
}

func TestLogSoftmaxLargeLogits(t *testing.T) {
	x := []float64{1000, 1000}
	LogSoftmax(x)
	for _, v := range x {
		if math.IsNaN(v) || math.Abs(v-math.Log(0.5)) > 1e-12 {
			t.Fatalf("expected log(0.5), got %v", x)
		}
	}
}

func TestMaskedSoftmax(t *testing.T) {
	x := []float64{1, 100, 2, 3}
	valid := []bool{true, false, true, true}
	MaskedSoftmax(x, valid)

	if x[1] != 0 {
		t.Errorf("masked position must have zero weight, got %v", x[1])
	}
	want := []float64{1, 2, 3}
	Softmax(want)
	got := []float64{x[0], x[2], x[3]}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestMaskedSoftmaxAllMasked(t *testing.T) {
	x := []float64{1, 2}
	MaskedSoftmax(x, []bool{false, false})
	if x[0] != 0 || x[1] != 0 {
		t.Errorf("expected all-zero weights, got %v", x)
	}
}
