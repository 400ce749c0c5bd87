package raster

import (
	"fmt"
	"strings"
)

// Window is an asset's pixels resampled onto a target grid. Data is band-major
// (Data[b*Width*Height+i]); Mask[i] is true where pixel i holds valid data.
// Windows are owned by the request that read them.
type Window struct {
	Width  int
	Height int
	Bands  int
	Data   []float64
	Mask   []bool

	ItemID string
	Asset  string
}

// NewWindow allocates an all-invalid window.
func NewWindow(width, height, bands int) *Window {
	return &Window{
		Width:  width,
		Height: height,
		Bands:  bands,
		Data:   make([]float64, width*height*bands),
		Mask:   make([]bool, width*height),
	}
}

// Pixels returns Width*Height.
func (w *Window) Pixels() int {
	return w.Width * w.Height
}

// Valid counts valid pixels.
func (w *Window) Valid() int {
	n := 0
	for _, ok := range w.Mask {
		if ok {
			n++
		}
	}
	return n
}

// Resampling selects how source pixels are interpolated onto the target grid.
type Resampling string

const (
	Nearest  Resampling = "nearest"
	Bilinear Resampling = "bilinear"
)

// ParseResampling parses a resampling name; empty means nearest.
func ParseResampling(s string) (Resampling, error) {
	switch Resampling(strings.ToLower(strings.TrimSpace(s))) {
	case "", Nearest:
		return Nearest, nil
	case Bilinear:
		return Bilinear, nil
	}
	return "", fmt.Errorf("unsupported resampling method %q", s)
}
