// Package floormask picks the instance mask most likely to cover the floor.
package floormask

import (
	"errors"
	"fmt"
)

const (
	// DefaultThreshold is the probability a pixel must exceed to count as part of a mask.
	DefaultThreshold = 0.5
	// DefaultLowerHalfBias multiplies the score of masks whose centroid sits in the lower half.
	DefaultLowerHalfBias = 1.5
	// MaxDimension caps mask height and width so Height*Width cannot overflow.
	MaxDimension = 1 << 15
)

var (
	// ErrNoMasksFound is returned when the model produced no masks at all.
	ErrNoMasksFound = errors.New("no segmentation masks found")
	// ErrNoSuitableMask is returned when every mask is empty after thresholding.
	ErrNoSuitableMask = errors.New("no suitable floor mask detected")
	// ErrInvalidShape is returned by Validate for malformed mask sets.
	ErrInvalidShape = errors.New("invalid mask set shape")
)

// Mask holds row-major per-pixel probabilities for one instance.
type Mask []float32

// MaskSet is the typed output of one segmentation call. Every mask has Height*Width values.
type MaskSet struct {
	Height int
	Width  int
	Masks  []Mask
}

// Validate checks dimensions and mask lengths.
func (s *MaskSet) Validate() error {
	if s == nil {
		return nil
	}
	if len(s.Masks) == 0 {
		return nil
	}
	if s.Height <= 0 || s.Width <= 0 || s.Height > MaxDimension || s.Width > MaxDimension {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidShape, s.Width, s.Height)
	}
	want := s.Height * s.Width
	for i, m := range s.Masks {
		if len(m) != want {
			return fmt.Errorf("%w: mask %d has %d values, want %d", ErrInvalidShape, i, len(m), want)
		}
	}
	return nil
}

// Selection describes the winning mask.
type Selection struct {
	Index     int
	Area      int
	CentroidY float64
	LowerHalf bool
	Score     float64
}

// Selector scores masks by area with a bias toward the lower half of the frame.
type Selector struct {
	Threshold     float32
	LowerHalfBias float64
}

// NewSelector returns a selector with the default threshold and bias.
func NewSelector() Selector {
	return Selector{Threshold: DefaultThreshold, LowerHalfBias: DefaultLowerHalfBias}
}

// Select runs the default selector over set.
func Select(set *MaskSet) (Selection, error) {
	return NewSelector().Select(set)
}

// Select returns the mask with the strictly greatest score. Earlier masks win ties.
func (s Selector) Select(set *MaskSet) (Selection, error) {
	if set == nil || len(set.Masks) == 0 {
		return Selection{}, ErrNoMasksFound
	}

	half := float64(set.Height) / 2
	best := Selection{Index: -1}
	for idx, mask := range set.Masks {
		area, rowSum := s.measure(mask, set.Width)
		if area == 0 {
			continue
		}

		centroidY := float64(rowSum) / float64(area)
		lower := centroidY > half
		score := float64(area)
		if lower {
			score *= s.LowerHalfBias
		}

		if best.Index < 0 || score > best.Score {
			best = Selection{
				Index:     idx,
				Area:      area,
				CentroidY: centroidY,
				LowerHalf: lower,
				Score:     score,
			}
		}
	}

	if best.Index < 0 {
		return Selection{}, ErrNoSuitableMask
	}
	return best, nil
}

// measure counts on pixels and sums their row indices.
func (s Selector) measure(mask Mask, width int) (int, int64) {
	if width <= 0 {
		return 0, 0
	}
	var (
		area   int
		rowSum int64
	)
	for i, v := range mask {
		if v > s.Threshold {
			area++
			rowSum += int64(i / width)
		}
	}
	return area, rowSum
}

// Binarize maps values above threshold to 255 and the rest to 0.
func Binarize(mask Mask, threshold float32) []uint8 {
	out := make([]uint8, len(mask))
	for i, v := range mask {
		if v > threshold {
			out[i] = 255
		}
	}
	return out
}
