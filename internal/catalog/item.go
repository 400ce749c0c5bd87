package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
)

// Item is the subset of a STAC item the tiler needs. Properties keeps every
// item property so sort policies and extensions can reach fields the tiler
// does not model.
type Item struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection,omitempty"`
	BBox       []float64        `json:"bbox,omitempty"`
	Properties map[string]any   `json:"properties,omitempty"`
	Assets     map[string]Asset `json:"assets"`
}

// Asset references one raster of an item along with the projection and
// raster extension fields needed to read it.
type Asset struct {
	Name      string            `json:"name"`
	Href      string            `json:"href"`
	Type      string            `json:"type,omitempty"`
	Roles     []string          `json:"roles,omitempty"`
	EPSG      int               `json:"epsg,omitempty"`
	Transform []float64         `json:"transform,omitempty"`
	Shape     []int             `json:"shape,omitempty"` // [rows, cols]
	Nodata    *float64          `json:"nodata,omitempty"`
	Bands     []Band            `json:"bands,omitempty"`
	Alternate map[string]string `json:"alternate,omitempty"`
	ItemBBox  []float64         `json:"item_bbox,omitempty"`
}

// Band is a raster:bands entry.
type Band struct {
	DataType   string      `json:"data_type,omitempty"`
	Nodata     *float64    `json:"nodata,omitempty"`
	Scale      *float64    `json:"scale,omitempty"`
	Offset     *float64    `json:"offset,omitempty"`
	Statistics *Statistics `json:"statistics,omitempty"`
}

// Statistics is the raster:bands statistics object.
type Statistics struct {
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
	Mean    *float64 `json:"mean,omitempty"`
	Stddev  *float64 `json:"stddev,omitempty"`
}

// HasRole reports whether the asset declares the given role.
func (a Asset) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// NodataValue returns the asset nodata, falling back to the first band's.
func (a Asset) NodataValue() (float64, bool) {
	if a.Nodata != nil {
		return *a.Nodata, true
	}
	for _, b := range a.Bands {
		if b.Nodata != nil {
			return *b.Nodata, true
		}
	}
	return 0, false
}

// Datetime returns the item's acquisition time when present.
func (it Item) Datetime() (time.Time, bool) {
	for _, key := range []string{"datetime", "start_datetime"} {
		if s, ok := it.Properties[key].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// SortValue returns the value a sort policy compares for field.
func (it Item) SortValue(field string) any {
	switch field {
	case "id":
		return it.ID
	case "collection":
		return it.Collection
	}
	if v, ok := it.Properties[field]; ok {
		return v
	}
	return nil
}

// SortItems orders items in place by the sort policy. The sort is stable, so
// items that compare equal keep the order the catalog returned them in.
func SortItems(items []Item, policy []stac.SortbyItem) {
	if len(policy) == 0 {
		return
	}
	slices.SortStableFunc(items, func(a, b Item) int {
		for _, s := range policy {
			if c := stac.CompareValues(a.SortValue(s.Field), b.SortValue(s.Field), s.Direction); c != 0 {
				return c
			}
		}
		return 0
	})
}

type assetWire struct {
	Href      string          `json:"href"`
	Type      string          `json:"type"`
	Roles     []string        `json:"roles"`
	EPSG      *float64        `json:"proj:epsg"`
	Code      string          `json:"proj:code"`
	Transform []float64       `json:"proj:transform"`
	Shape     []int           `json:"proj:shape"`
	Nodata    json.RawMessage `json:"nodata"`
	Bands     []bandWire      `json:"raster:bands"`
	Alternate map[string]struct {
		Href string `json:"href"`
	} `json:"alternate"`
}

type bandWire struct {
	DataType   string          `json:"data_type"`
	Nodata     json.RawMessage `json:"nodata"`
	Scale      *float64        `json:"scale"`
	Offset     *float64        `json:"offset"`
	Statistics *Statistics     `json:"statistics"`
}

// ItemFromFeature converts a search-response feature into an Item. Projection
// fields declared on the item properties are inherited by assets that do not
// declare their own.
func ItemFromFeature(f stac.Feature) (Item, error) {
	if f.ID == "" {
		return Item{}, fmt.Errorf("feature has no id")
	}

	item := Item{
		ID:         f.ID,
		Collection: f.Collection,
		BBox:       f.BBox,
		Properties: f.Properties,
		Assets:     make(map[string]Asset, len(f.Assets)),
	}
	if item.Properties == nil {
		item.Properties = map[string]any{}
	}
	if len(item.BBox) == 6 {
		item.BBox = []float64{item.BBox[0], item.BBox[1], item.BBox[3], item.BBox[4]}
	}
	if len(item.BBox) != 4 && f.Geometry != nil {
		if bbox, err := geojson.ComputeBBox(f.Geometry); err == nil {
			item.BBox = bbox
		}
	}

	defaultEPSG := epsgFromProperties(item.Properties)
	defaultTransform := floatsFromAny(item.Properties["proj:transform"])
	defaultShape := intsFromAny(item.Properties["proj:shape"])

	for name, raw := range f.Assets {
		var w assetWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return Item{}, fmt.Errorf("item %s: asset %s: %w", f.ID, name, err)
		}
		if w.Href == "" {
			continue
		}

		asset := Asset{
			Name:      name,
			Href:      w.Href,
			Type:      w.Type,
			Roles:     w.Roles,
			EPSG:      defaultEPSG,
			Transform: defaultTransform,
			Shape:     defaultShape,
			Nodata:    parseNodata(w.Nodata),
			ItemBBox:  item.BBox,
		}
		if w.EPSG != nil {
			asset.EPSG = int(*w.EPSG)
		} else if code := parseEPSGCode(w.Code); code != 0 {
			asset.EPSG = code
		}
		if len(w.Transform) >= 6 {
			asset.Transform = w.Transform
		}
		if len(w.Shape) == 2 {
			asset.Shape = w.Shape
		}
		for _, b := range w.Bands {
			asset.Bands = append(asset.Bands, Band{
				DataType:   b.DataType,
				Nodata:     parseNodata(b.Nodata),
				Scale:      b.Scale,
				Offset:     b.Offset,
				Statistics: b.Statistics,
			})
		}
		if len(w.Alternate) > 0 {
			asset.Alternate = make(map[string]string, len(w.Alternate))
			for k, v := range w.Alternate {
				asset.Alternate[k] = v.Href
			}
		}
		item.Assets[name] = asset
	}

	return item, nil
}

func epsgFromProperties(props map[string]any) int {
	if v, ok := props["proj:epsg"].(float64); ok {
		return int(v)
	}
	if s, ok := props["proj:code"].(string); ok {
		return parseEPSGCode(s)
	}
	return 0
}

// parseEPSGCode parses "EPSG:32633" style projection codes.
func parseEPSGCode(code string) int {
	rest, ok := strings.CutPrefix(strings.ToUpper(code), "EPSG:")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return n
}

// parseNodata accepts numeric nodata values and the "nan", "inf" and "-inf"
// strings used by the raster extension.
func parseNodata(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	switch strings.ToLower(s) {
	case "nan":
		f = math.NaN()
	case "inf":
		f = math.Inf(1)
	case "-inf":
		f = math.Inf(-1)
	default:
		return nil
	}
	return &f
}

func floatsFromAny(v any) []float64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, e := range list {
		f, ok := e.(float64)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func intsFromAny(v any) []int {
	floats := floatsFromAny(v)
	if len(floats) != 2 {
		return nil
	}
	return []int{int(floats[0]), int(floats[1])}
}
