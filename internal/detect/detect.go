// SPDX-License-Identifier: MIT

// Package detect adapts the external person-detection model. The model runs
// as a sidecar process and is consumed as a black-box "count persons in this
// frame" capability.
package detect

import (
	"context"
	"errors"
	"image"
)

// ErrModelUnavailable reports that the detection backend failed to
// initialize. Callers treat this as a cold-start condition, not a per-frame
// error.
var ErrModelUnavailable = errors.New("detection model unavailable")

// Detection is one person found in a frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
}

// Detector counts persons in a frame. Implementations are stateless from the
// caller's perspective and safe for concurrent use by many workers.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confidence float64) ([]Detection, error)
}

// Scale maps a detection box from the downscaled inference resolution back
// to the original frame resolution.
func (d Detection) Scale(factor float64) Detection {
	if factor == 1 {
		return d
	}
	return Detection{
		Box: image.Rect(
			int(float64(d.Box.Min.X)*factor),
			int(float64(d.Box.Min.Y)*factor),
			int(float64(d.Box.Max.X)*factor),
			int(float64(d.Box.Max.Y)*factor),
		),
		Confidence: d.Confidence,
	}
}
