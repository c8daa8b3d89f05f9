// Package nn holds the small set of dense layers the rename decoder needs at
// inference time. Batches are gonum matrices with one row per hypothesis.
package nn
