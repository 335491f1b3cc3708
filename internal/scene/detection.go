package scene

import (
	"fmt"
	"math"
)

// Box is an axis-aligned rectangle in pixel coordinates.
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right corner.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// BoxFromCenter builds a Box from a centre point and size.
func BoxFromCenter(cx, cy, width, height float64) Box {
	return Box{
		X1: cx - width/2,
		Y1: cy - height/2,
		X2: cx + width/2,
		Y2: cy + height/2,
	}
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area. Inverted boxes report zero.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the centre of the box.
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Validate rejects non-finite coordinates and inverted or empty boxes.
func (b Box) Validate() error {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in box %v", ErrInvalidDetection, b)
		}
	}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("%w: inverted or empty box %v", ErrInvalidDetection, b)
	}
	return nil
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func (b Box) IoU(other Box) float64 {
	ix1 := math.Max(b.X1, other.X1)
	iy1 := math.Max(b.Y1, other.Y1)
	ix2 := math.Min(b.X2, other.X2)
	iy2 := math.Min(b.Y2, other.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Less orders boxes lexicographically by (X1, Y1, X2, Y2).
func (b Box) Less(other Box) bool {
	if b.X1 != other.X1 {
		return b.X1 < other.X1
	}
	if b.Y1 != other.Y1 {
		return b.Y1 < other.Y1
	}
	if b.X2 != other.X2 {
		return b.X2 < other.X2
	}
	return b.Y2 < other.Y2
}

// Detection is one object instance found in one image by the external detector.
// Detections are read-only once loaded.
type Detection struct {
	Box        Box     `json:"box"`
	ClassID    string  `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// Validate checks the box geometry, the class and the confidence range.
func (d Detection) Validate() error {
	if err := d.Box.Validate(); err != nil {
		return err
	}
	if d.ClassID == "" {
		return fmt.Errorf("%w: empty class id", ErrInvalidDetection)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidDetection, d.Confidence)
	}
	return nil
}

// Less is the canonical ordering of detections: box, then class, then confidence.
func (d Detection) Less(other Detection) bool {
	if d.Box != other.Box {
		return d.Box.Less(other.Box)
	}
	if d.ClassID != other.ClassID {
		return d.ClassID < other.ClassID
	}
	return d.Confidence < other.Confidence
}
