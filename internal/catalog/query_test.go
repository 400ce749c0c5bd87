package catalog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
)

func TestFingerprint_Equivalence(t *testing.T) {
	base := Query{
		Collections: []string{"landsat-c2-l2", "sentinel-2-l2a"},
		BBox:        []float64{10, 45, 11, 46},
		Datetime:    "2024-01-01T00:00:00Z/2024-02-01T00:00:00Z",
		Filters: map[string]Predicate{
			"eo:cloud_cover": {Op: "lt", Value: 20.0},
			"platform":       {Op: "eq", Value: "sentinel-2a"},
		},
		Filter: json.RawMessage(`{"op":"=","args":[{"property":"a"},1]}`),
	}

	equivalent := base
	equivalent.Collections = []string{"sentinel-2-l2a", " landsat-c2-l2", "sentinel-2-l2a"}
	equivalent.Datetime = "2024-01-01T01:00:00+01:00/2024-02-01T00:00:00Z"
	equivalent.Filters = map[string]Predicate{
		"platform":       {Op: "eq", Value: "sentinel-2a"},
		"eo:cloud_cover": {Op: "lt", Value: 20.0},
	}
	equivalent.Filter = json.RawMessage(`{ "args":[{"property":"a"},1], "op":"=" }`)

	if base.Fingerprint() != equivalent.Fingerprint() {
		t.Errorf("equivalent queries produced different fingerprints")
	}
	if !strings.HasPrefix(base.Fingerprint(), "search:") {
		t.Errorf("unexpected fingerprint format %q", base.Fingerprint())
	}
}

func TestFingerprint_Differs(t *testing.T) {
	base := Query{Collections: []string{"a"}, BBox: []float64{0, 0, 1, 1}}

	variants := map[string]func(q *Query){
		"bbox":     func(q *Query) { q.BBox = []float64{0, 0, 1, 2} },
		"datetime": func(q *Query) { q.Datetime = "2024-01-01T00:00:00Z" },
		"filter":   func(q *Query) { q.Filters = map[string]Predicate{"x": {Op: "eq", Value: 1}} },
		"sortby":   func(q *Query) { q.Sortby = []stac.SortbyItem{{Field: "datetime", Direction: stac.SortDesc}} },
		"max":      func(q *Query) { q.MaxItems = 10 },
		"collection": func(q *Query) {
			q.Collections = []string{"b"}
		},
	}

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			v := base
			mutate(&v)
			if v.Fingerprint() == base.Fingerprint() {
				t.Errorf("fingerprint did not change for %s", name)
			}
		})
	}
}

func TestNormalize_DoesNotAlias(t *testing.T) {
	q := Query{Collections: []string{"b", "a"}, BBox: []float64{0, 0, 1, 1}}
	n, err := q.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	n.BBox[0] = 99
	if q.BBox[0] != 0 {
		t.Error("Normalize() aliased the bbox slice")
	}
	if q.Collections[0] != "b" || n.Collections[0] != "a" {
		t.Errorf("collections: original %v, normalized %v", q.Collections, n.Collections)
	}
}

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"valid", Query{Collections: []string{"a"}, BBox: []float64{0, 0, 1, 1}}, false},
		{"no collections", Query{}, true},
		{"bad bbox", Query{Collections: []string{"a"}, BBox: []float64{0, 0, 1}}, true},
		{"bad datetime", Query{Collections: []string{"a"}, Datetime: "soon"}, true},
		{"bad operator", Query{Collections: []string{"a"}, Filters: map[string]Predicate{"x": {Op: "like"}}}, true},
		{"bad filter", Query{Collections: []string{"a"}, Filter: json.RawMessage(`{`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("error %v does not wrap ErrInvalidQuery", err)
			}
		})
	}
}

func TestQuery_SearchRequestPrefersIntersects(t *testing.T) {
	q := Query{Collections: []string{"a"}, BBox: []float64{0, 0, 1, 1}}
	if req := q.SearchRequest(nil); len(req.BBox) != 4 || req.Intersects != nil {
		t.Errorf("bbox-only request = %+v", req)
	}

	n, _ := q.Normalize()
	n.Intersects = polygonFor(t, n.BBox)
	req := n.SearchRequest(nil)
	if req.BBox != nil || req.Intersects == nil {
		t.Errorf("intersects request should omit bbox: %+v", req)
	}
}

func TestParseQueryExtension(t *testing.T) {
	got, err := ParseQueryExtension(json.RawMessage(`{"eo:cloud_cover":{"lt":20},"platform":{"in":["sentinel-2a","sentinel-2b"]}}`))
	if err != nil {
		t.Fatalf("ParseQueryExtension() error = %v", err)
	}
	if p := got["eo:cloud_cover"]; p.Op != "lt" || p.Value != float64(20) {
		t.Errorf("eo:cloud_cover = %+v, want lt 20", p)
	}
	if p := got["platform"]; p.Op != "in" {
		t.Errorf("platform = %+v, want in", p)
	}

	for _, bad := range []string{`[1]`, `{"a":{"lt":1,"gt":0}}`, `{"a":{"like":"x"}}`, `{"a":5}`} {
		if _, err := ParseQueryExtension(json.RawMessage(bad)); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("ParseQueryExtension(%s) error = %v, want ErrInvalidQuery", bad, err)
		}
	}
	if got, err := ParseQueryExtension(nil); err != nil || got != nil {
		t.Errorf("ParseQueryExtension(nil) = %v, %v", got, err)
	}
}
