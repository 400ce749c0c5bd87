package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler"
)

const (
	defaultImageSize = 512
	tileExtension    = ".png"
)

// imageRequest is a parsed tile or bbox request.
type imageRequest struct {
	tiler.Request
	Rescale []float64
}

// parseTileRequest reads the collection and tile address from the route and
// the rendering options from the query string.
func parseTileRequest(r *http.Request) (*imageRequest, error) {
	yParam := chi.URLParam(r, "y")
	if i := strings.IndexByte(yParam, '.'); i >= 0 {
		if yParam[i:] != tileExtension {
			return nil, fmt.Errorf("unsupported tile format %q", yParam[i+1:])
		}
		yParam = yParam[:i]
	}
	scale := 0
	if i := strings.IndexByte(yParam, '@'); i >= 0 {
		v, ok := strings.CutSuffix(yParam[i+1:], "x")
		n, err := strconv.Atoi(v)
		if !ok || err != nil || n < 1 || n > tiler.MaxScale {
			return nil, fmt.Errorf("tile scale must be @1x to @%dx, got %q", tiler.MaxScale, yParam[i:])
		}
		scale, yParam = n, yParam[:i]
	}

	z, err := parseIntParam("z", chi.URLParam(r, "z"))
	if err != nil {
		return nil, err
	}
	x, err := parseIntParam("x", chi.URLParam(r, "x"))
	if err != nil {
		return nil, err
	}
	y, err := parseIntParam("y", yParam)
	if err != nil {
		return nil, err
	}

	req := &imageRequest{Request: tiler.Request{
		Collection: chi.URLParam(r, "collectionId"),
		Z:          z,
		X:          x,
		Y:          y,
		Scale:      scale,
	}}

	q := r.URL.Query()
	if v := q.Get("tilesize"); v != "" {
		size, err := parseIntParam("tilesize", v)
		if err != nil {
			return nil, err
		}
		if size < 1 {
			return nil, fmt.Errorf("tilesize must be positive, got %d", size)
		}
		req.Width, req.Height = size, size
	}

	if err := parseRenderOptions(q, req); err != nil {
		return nil, err
	}
	return req, nil
}

// parseBBoxRequest reads a bbox image request: bbox=w,s,e,n plus optional
// width and height.
func parseBBoxRequest(r *http.Request) (*imageRequest, error) {
	q := r.URL.Query()

	raw := q.Get("bbox")
	if raw == "" {
		return nil, fmt.Errorf("bbox is required")
	}
	bbox, err := parseFloatList("bbox", raw)
	if err != nil {
		return nil, err
	}
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}

	req := &imageRequest{Request: tiler.Request{
		Collection: chi.URLParam(r, "collectionId"),
		BBox:       bbox,
		Width:      defaultImageSize,
		Height:     defaultImageSize,
	}}
	if v := q.Get("width"); v != "" {
		if req.Width, err = parseIntParam("width", v); err != nil {
			return nil, err
		}
	}
	if v := q.Get("height"); v != "" {
		if req.Height, err = parseIntParam("height", v); err != nil {
			return nil, err
		}
	}

	if err := parseRenderOptions(q, req); err != nil {
		return nil, err
	}
	return req, nil
}

// parseRenderOptions reads the search and rendering parameters shared by the
// tile, bbox and assets endpoints.
func parseRenderOptions(q url.Values, req *imageRequest) error {
	if v := q.Get("datetime"); v != "" {
		dt, err := stac.NormalizeDatetime(v)
		if err != nil {
			return fmt.Errorf("invalid datetime: %w", err)
		}
		req.Datetime = dt
	}

	if v := q.Get("query"); v != "" {
		filters, err := catalog.ParseQueryExtension(json.RawMessage(v))
		if err != nil {
			return err
		}
		req.Filters = filters
	}

	if v := q.Get("filter"); v != "" {
		filter := json.RawMessage(v)
		if err := catalog.ValidateFilter(filter); err != nil {
			return err
		}
		req.Filter = filter
	}

	if v := q.Get("assets"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				req.Assets = append(req.Assets, name)
			}
		}
	}
	req.AssetRule = q.Get("asset_rule")

	if v := q.Get("sortby"); v != "" {
		sortby, err := stac.ParseSortby(v)
		if err != nil {
			return fmt.Errorf("invalid sortby: %w", err)
		}
		req.Sortby = sortby
	}

	if v := q.Get("resampling"); v != "" {
		method, err := raster.ParseResampling(v)
		if err != nil {
			return err
		}
		req.Resampling = method
	}

	if v := q.Get("nodata"); v != "" {
		nodata, err := parseNodata(v)
		if err != nil {
			return err
		}
		req.Nodata = &nodata
	}

	if v := q.Get("expression"); v != "" {
		req.Expression = v
	}
	if v := q.Get("asset_as_band"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("asset_as_band must be a boolean, got %q", v)
		}
		req.AssetAsBand = b
	}
	for _, v := range q["bidx"] {
		for _, p := range strings.Split(v, ",") {
			b, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || b < 1 {
				return fmt.Errorf("bidx must list band indexes starting at 1, got %q", v)
			}
			req.Bidx = append(req.Bidx, b)
		}
	}
	if req.Expression != "" && len(req.Bidx) > 0 {
		return fmt.Errorf("bidx cannot be combined with expression")
	}

	if v := q.Get("rescale"); v != "" {
		rescale, err := parseFloatList("rescale", v)
		if err != nil {
			return err
		}
		if len(rescale) != 2 || !(rescale[1] > rescale[0]) {
			return fmt.Errorf("rescale must be min,max with min < max, got %q", v)
		}
		req.Rescale = rescale
	}
	return nil
}

func parseIntParam(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func parseFloatList(name, v string) ([]float64, error) {
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%s must be a comma-separated list of numbers, got %q", name, v)
		}
		out = append(out, f)
	}
	return out, nil
}

// parseNodata accepts a number or "nan".
func parseNodata(v string) (float64, error) {
	if strings.EqualFold(v, "nan") {
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, fmt.Errorf("nodata must be a number or nan, got %q", v)
	}
	return f, nil
}
