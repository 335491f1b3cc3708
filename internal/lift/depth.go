package lift

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDepthMap is returned for depth maps whose buffers do not match
// their dimensions.
var ErrInvalidDepthMap = errors.New("invalid depth map")

// MaxDepthDimension bounds each side of a depth map, covering the largest
// camera resolutions in use.
const MaxDepthDimension = 16384

// CheckSize reports whether width×height is an allocatable depth map size.
func CheckSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxDepthDimension || height > MaxDepthDimension {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidDepthMap, width, height)
	}
	return nil
}

// DepthMap is a dense per-pixel distance grid in meters, row-major.
// Confidence is optional; when present it has the same layout as Values.
type DepthMap struct {
	Width      int
	Height     int
	Values     []float32
	Confidence []uint8
}

// NewDepthMap allocates a zeroed depth map without a confidence channel.
func NewDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		Width:  width,
		Height: height,
		Values: make([]float32, width*height),
	}
}

// Validate checks dimensions and buffer lengths.
func (d *DepthMap) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil depth map", ErrInvalidDepthMap)
	}
	if err := CheckSize(d.Width, d.Height); err != nil {
		return err
	}
	if len(d.Values) != d.Width*d.Height {
		return fmt.Errorf("%w: %d values for %dx%d", ErrInvalidDepthMap, len(d.Values), d.Width, d.Height)
	}
	if d.Confidence != nil && len(d.Confidence) != len(d.Values) {
		return fmt.Errorf("%w: %d confidence values for %dx%d", ErrInvalidDepthMap, len(d.Confidence), d.Width, d.Height)
	}
	return nil
}

// At returns the raw depth at (x, y). Out-of-bounds reads return 0.
func (d *DepthMap) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Values[y*d.Width+x]
}

// ValidAt returns the depth at (x, y) if it is usable: in bounds, finite,
// positive, and at or above minConfidence when a confidence map is present.
func (d *DepthMap) ValidAt(x, y int, minConfidence uint8) (float64, bool) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0, false
	}
	i := y*d.Width + x
	v := float64(d.Values[i])
	if !validDepth(v) {
		return 0, false
	}
	if d.Confidence != nil && d.Confidence[i] < minConfidence {
		return 0, false
	}
	return v, true
}

// Rotate90CW returns a copy rotated 90 degrees clockwise. A W×H map becomes H×W.
func (d *DepthMap) Rotate90CW() *DepthMap {
	out := &DepthMap{
		Width:  d.Height,
		Height: d.Width,
		Values: make([]float32, len(d.Values)),
	}
	if d.Confidence != nil {
		out.Confidence = make([]uint8, len(d.Confidence))
	}
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			// (x, y) -> (H-1-y, x)
			dst := x*out.Width + (d.Height - 1 - y)
			src := y*d.Width + x
			out.Values[dst] = d.Values[src]
			if d.Confidence != nil {
				out.Confidence[dst] = d.Confidence[src]
			}
		}
	}
	return out
}

// Resize scales the map to width×height. Depth uses bilinear interpolation
// with pixel-centre alignment, falling back to the nearest sample when any of
// the four neighbours is invalid so holes do not bleed into valid depth.
// Confidence always uses the nearest sample.
func (d *DepthMap) Resize(width, height int) *DepthMap {
	if width == d.Width && height == d.Height {
		out := &DepthMap{Width: width, Height: height, Values: append([]float32(nil), d.Values...)}
		if d.Confidence != nil {
			out.Confidence = append([]uint8(nil), d.Confidence...)
		}
		return out
	}

	out := NewDepthMap(width, height)
	if d.Confidence != nil {
		out.Confidence = make([]uint8, width*height)
	}
	sx := float64(d.Width) / float64(width)
	sy := float64(d.Height) / float64(height)

	for y := 0; y < height; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		for x := 0; x < width; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			i := y*width + x

			nx := clampInt(int(math.Round(fx)), 0, d.Width-1)
			ny := clampInt(int(math.Round(fy)), 0, d.Height-1)
			if out.Confidence != nil {
				out.Confidence[i] = d.Confidence[ny*d.Width+nx]
			}

			x0 := clampInt(int(math.Floor(fx)), 0, d.Width-1)
			y0 := clampInt(int(math.Floor(fy)), 0, d.Height-1)
			x1 := clampInt(x0+1, 0, d.Width-1)
			y1 := clampInt(y0+1, 0, d.Height-1)
			v00 := float64(d.Values[y0*d.Width+x0])
			v01 := float64(d.Values[y0*d.Width+x1])
			v10 := float64(d.Values[y1*d.Width+x0])
			v11 := float64(d.Values[y1*d.Width+x1])
			if !validDepth(v00) || !validDepth(v01) || !validDepth(v10) || !validDepth(v11) {
				out.Values[i] = d.Values[ny*d.Width+nx]
				continue
			}

			ax := clampFloat(fx-float64(x0), 0, 1)
			ay := clampFloat(fy-float64(y0), 0, 1)
			top := v00 + (v01-v00)*ax
			bottom := v10 + (v11-v10)*ax
			out.Values[i] = float32(top + (bottom-top)*ay)
		}
	}
	return out
}

func validDepth(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
