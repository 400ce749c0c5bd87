package api

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
)

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

// renderPNG encodes a mosaic as PNG. Results with fewer than three bands render
// as gray from the first band, others as RGB from the first three. The
// validity mask becomes the alpha channel. Values are scaled linearly from
// rescale [min, max] onto 0..255; without a rescale they are clamped.
func renderPNG(res *mosaic.Result, rescale []float64) ([]byte, error) {
	if res == nil || res.Width <= 0 || res.Height <= 0 || res.Bands <= 0 {
		return nil, fmt.Errorf("empty mosaic")
	}

	lo, hi := 0.0, 255.0
	if len(rescale) == 2 && rescale[1] > rescale[0] {
		lo, hi = rescale[0], rescale[1]
	}
	toByte := func(v float64) uint8 {
		if math.IsNaN(v) {
			return 0
		}
		t := math.Round((v - lo) / (hi - lo) * 255)
		return uint8(max(0, min(255, t)))
	}

	n := res.Width * res.Height
	bands := [3]int{0, 0, 0}
	if res.Bands >= 3 {
		bands = [3]int{0, 1, 2}
	}

	img := image.NewNRGBA(image.Rect(0, 0, res.Width, res.Height))
	for i := 0; i < n; i++ {
		if !res.Mask[i] {
			continue // transparent
		}
		px := img.Pix[i*4 : i*4+4 : i*4+4]
		for c, b := range bands {
			px[c] = toByte(res.Data[b*n+i])
		}
		px[3] = 255
	}

	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
