package simd

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	softmaxImpl    func(x []float64)
	logSoftmaxImpl func(x []float64)
)

// Softmax normalises x in place.
func Softmax(x []float64) {
	softmaxImpl(x)
}

// LogSoftmax replaces x in place with log(softmax(x)).
func LogSoftmax(x []float64) {
	logSoftmaxImpl(x)
}

// MaskedSoftmax normalises x in place over the positions where valid is true.
// Invalid positions receive exactly zero weight and take no part in the
// normalising sum. When no position is valid every weight is zero.
func MaskedSoftmax(x []float64, valid []bool) {
	if len(valid) != len(x) {
		panic("simd: MaskedSoftmax length mismatch")
	}
	max := math.Inf(-1)
	for i, v := range x {
		if valid[i] && v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}

	sum := 0.0
	for i := range x {
		if !valid[i] {
			x[i] = 0
			continue
		}
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	floats.Scale(1/sum, x)
}

func init() {
	softmaxImpl = softmaxFallback
	logSoftmaxImpl = logSoftmaxFallback
}

func softmaxFallback(x []float64) {
	if len(x) == 0 {
		return
	}
	max := floats.Max(x)

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	floats.Scale(1/sum, x)
}

func logSoftmaxFallback(x []float64) {
	if len(x) == 0 {
		return
	}
	lse := floats.LogSumExp(x)
	floats.AddConst(-lse, x)
}
