// Package segmenter defines the boundary to the instance segmentation model.
package segmenter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/example/floor-segmenter/internal/floormask"
)

// ErrModelFailure marks an error reported by the model itself rather than the transport.
var ErrModelFailure = errors.New("segmentation model error")

// Request is one inference call.
type Request struct {
	RequestID string
	Image     *image.RGBA
}

// Model runs instance segmentation. Implementations must be safe for concurrent use;
// callers still bound concurrency themselves.
type Model interface {
	Segment(ctx context.Context, req Request) (*floormask.MaskSet, error)
	Close() error
}

// WireResult is the transport-neutral shape of a model reply.
// Masks hold base64-encoded H*W byte planes where 0..255 maps to probability 0..1.
type WireResult struct {
	Height int      `json:"height"`
	Width  int      `json:"width"`
	Masks  []string `json:"masks"`
	Error  string   `json:"error,omitempty"`
}

// ToMaskSet decodes and validates the reply. A reply without masks yields an empty set.
func (r *WireResult) ToMaskSet() (*floormask.MaskSet, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrModelFailure, r.Error)
	}
	set := &floormask.MaskSet{Height: r.Height, Width: r.Width}
	for i, enc := range r.Masks {
		plane, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		set.Masks = append(set.Masks, PlaneToMask(plane))
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// PlaneToMask converts 8-bit probabilities into a float mask.
func PlaneToMask(plane []byte) floormask.Mask {
	m := make(floormask.Mask, len(plane))
	for i, b := range plane {
		m[i] = float32(b) / 255
	}
	return m
}

// MaskToPlane is the inverse of PlaneToMask. Halves round down so 0.5 stays below the
// default threshold after decoding.
func MaskToPlane(m floormask.Mask) []byte {
	plane := make([]byte, len(m))
	for i, v := range m {
		switch {
		case v <= 0:
			plane[i] = 0
		case v >= 1:
			plane[i] = 255
		default:
			plane[i] = byte(math.Ceil(float64(v)*255 - 0.5))
		}
	}
	return plane
}

// EncodeMaskSet builds a WireResult from a mask set. Model fakes and tests use it.
func EncodeMaskSet(set *floormask.MaskSet) *WireResult {
	res := &WireResult{Height: set.Height, Width: set.Width}
	for _, m := range set.Masks {
		res.Masks = append(res.Masks, base64.StdEncoding.EncodeToString(MaskToPlane(m)))
	}
	return res
}
