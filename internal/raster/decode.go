package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"math"
	"path"
	"strings"

	"github.com/golang/snappy"
	"golang.org/x/image/tiff"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
)

// Source is a decoded asset in its native pixel grid. Data is band-major.
// Alpha is nil unless the encoding carried transparency; where present,
// Alpha[i] == false marks pixel i as invalid.
type Source struct {
	Width  int
	Height int
	Bands  int
	Data   []float64
	Alpha  []bool
}

func (s *Source) at(band, idx int) float64 {
	return s.Data[band*s.Width*s.Height+idx]
}

// Format identifies an asset encoding.
type Format string

const (
	FormatTIFF   Format = "tiff"
	FormatPNG    Format = "png"
	FormatSnappy Format = "snappy"
)

var unsupportedTypes = []string{"jp2", "hdf", "netcdf", "zarr"}

// DetectFormat picks a decoder from the asset media type, falling back to the
// href extension when no type is declared.
func DetectFormat(asset catalog.Asset) (Format, error) {
	mt := strings.ToLower(asset.Type)
	switch {
	case strings.Contains(mt, "tiff"):
		return FormatTIFF, nil
	case strings.HasPrefix(mt, "image/png"):
		return FormatPNG, nil
	case strings.Contains(mt, "snappy"):
		return FormatSnappy, nil
	}
	for _, u := range unsupportedTypes {
		if strings.Contains(mt, u) {
			return "", fmt.Errorf("%w: media type %q is not supported", ErrAssetUnreadable, asset.Type)
		}
	}

	ext := strings.ToLower(path.Ext(strings.SplitN(asset.Href, "?", 2)[0]))
	switch ext {
	case ".tif", ".tiff":
		return FormatTIFF, nil
	case ".png":
		return FormatPNG, nil
	case ".snp", ".snappy":
		return FormatSnappy, nil
	}
	return "", fmt.Errorf("%w: cannot determine format of %s (type %q)", ErrAssetUnreadable, asset.Href, asset.Type)
}

// Decode turns asset bytes into a Source.
func Decode(format Format, data []byte, asset catalog.Asset) (*Source, error) {
	switch format {
	case FormatTIFF:
		img, err := tiff.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: tiff: %w", ErrAssetUnreadable, err)
		}
		return fromImage(img), nil
	case FormatPNG:
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: png: %w", ErrAssetUnreadable, err)
		}
		return fromImage(img), nil
	case FormatSnappy:
		return decodeSnappy(data, asset)
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrAssetUnreadable, format)
}

func fromImage(img image.Image) *Source {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h

	switch im := img.(type) {
	case *image.Gray:
		src := &Source{Width: w, Height: h, Bands: 1, Data: make([]float64, n)}
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+w]
			for x, v := range row {
				src.Data[y*w+x] = float64(v)
			}
		}
		return src

	case *image.Gray16:
		src := &Source{Width: w, Height: h, Bands: 1, Data: make([]float64, n)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := y*im.Stride + 2*x
				src.Data[y*w+x] = float64(uint16(im.Pix[off])<<8 | uint16(im.Pix[off+1]))
			}
		}
		return src

	case *image.NRGBA:
		return fromInterleaved8(im.Pix, im.Stride, w, h)

	case *image.RGBA:
		return fromInterleaved8(im.Pix, im.Stride, w, h)
	}

	// Remaining models go through the generic colour interface; only the
	// 64-bit models keep 16-bit samples.
	shift := 8
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64:
		shift = 0
	}
	src := &Source{Width: w, Height: h, Bands: 3, Data: make([]float64, 3*n), Alpha: make([]bool, n)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			src.Data[i] = float64(r >> shift)
			src.Data[n+i] = float64(g >> shift)
			src.Data[2*n+i] = float64(bl >> shift)
			src.Alpha[i] = a != 0
		}
	}
	return src
}

// fromInterleaved8 splits 8-bit RGBA pixels into three bands plus alpha.
func fromInterleaved8(pix []uint8, stride, w, h int) *Source {
	n := w * h
	src := &Source{Width: w, Height: h, Bands: 3, Data: make([]float64, 3*n), Alpha: make([]bool, n)}
	opaque := true
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + 4*x
			i := y*w + x
			src.Data[i] = float64(pix[off])
			src.Data[n+i] = float64(pix[off+1])
			src.Data[2*n+i] = float64(pix[off+2])
			src.Alpha[i] = pix[off+3] != 0
			opaque = opaque && src.Alpha[i]
		}
	}
	if opaque {
		src.Alpha = nil
	}
	return src
}

// decodeSnappy reads a snappy-compressed planar array. The shape comes from
// proj:shape and the sample type from the first raster:bands entry.
func decodeSnappy(data []byte, asset catalog.Asset) (*Source, error) {
	if len(asset.Shape) != 2 || asset.Shape[0] <= 0 || asset.Shape[1] <= 0 {
		return nil, fmt.Errorf("%w: snappy asset requires proj:shape", ErrAssetUnreadable)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %w", ErrAssetUnreadable, err)
	}

	dtype := "uint8"
	if len(asset.Bands) > 0 && asset.Bands[0].DataType != "" {
		dtype = asset.Bands[0].DataType
	}
	size, read, err := sampleReader(dtype)
	if err != nil {
		return nil, err
	}

	h, w := asset.Shape[0], asset.Shape[1]
	n := w * h
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty snappy payload", ErrAssetUnreadable)
	}
	if len(raw)%(n*size) != 0 {
		return nil, fmt.Errorf("%w: %d bytes do not fit shape %dx%d of %s", ErrAssetUnreadable, len(raw), h, w, dtype)
	}
	bands := len(raw) / (n * size)

	src := &Source{Width: w, Height: h, Bands: bands, Data: make([]float64, bands*n)}
	for i := range src.Data {
		src.Data[i] = read(raw[i*size:])
	}
	return src, nil
}

func sampleReader(dtype string) (int, func([]byte) float64, error) {
	le := binary.LittleEndian
	switch dtype {
	case "uint8":
		return 1, func(b []byte) float64 { return float64(b[0]) }, nil
	case "int8":
		return 1, func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case "uint16":
		return 2, func(b []byte) float64 { return float64(le.Uint16(b)) }, nil
	case "int16":
		return 2, func(b []byte) float64 { return float64(int16(le.Uint16(b))) }, nil
	case "uint32":
		return 4, func(b []byte) float64 { return float64(le.Uint32(b)) }, nil
	case "int32":
		return 4, func(b []byte) float64 { return float64(int32(le.Uint32(b))) }, nil
	case "float32":
		return 4, func(b []byte) float64 { return float64(math.Float32frombits(le.Uint32(b))) }, nil
	case "float64":
		return 8, func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) }, nil
	}
	return 0, nil, fmt.Errorf("%w: unsupported data type %q", ErrAssetUnreadable, dtype)
}
