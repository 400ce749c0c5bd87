package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
)

// Predicate is a single property constraint in STAC query-extension form.
type Predicate struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
}

var validOps = map[string]bool{
	"eq":         true,
	"neq":        true,
	"lt":         true,
	"lte":        true,
	"gt":         true,
	"gte":        true,
	"in":         true,
	"startsWith": true,
}

// ParseQueryExtension parses a STAC query-extension object such as
// {"eo:cloud_cover": {"lt": 20}}. Each property takes exactly one operator.
func ParseQueryExtension(raw json.RawMessage) (map[string]Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: query must be an object of property operators: %w", ErrInvalidQuery, err)
	}
	out := make(map[string]Predicate, len(doc))
	for name, ops := range doc {
		if len(ops) != 1 {
			return nil, fmt.Errorf("%w: property %s needs exactly one operator, got %d", ErrInvalidQuery, name, len(ops))
		}
		for op, v := range ops {
			if !validOps[op] {
				return nil, fmt.Errorf("%w: unsupported operator %q for %s", ErrInvalidQuery, op, name)
			}
			out[name] = Predicate{Op: op, Value: v}
		}
	}
	return out, nil
}

// Query is a normalized catalog search. Values are treated as immutable once
// built; use Normalize to obtain an independent copy.
type Query struct {
	Collections []string
	BBox        []float64
	Intersects  *geojson.Geometry
	Datetime    string
	Filters     map[string]Predicate
	Filter      json.RawMessage // CQL2-JSON
	Sortby      []stac.SortbyItem
	Limit       int // page size
	MaxItems    int
}

// Validate checks the query for structural errors.
func (q Query) Validate() error {
	if len(q.Collections) == 0 {
		return fmt.Errorf("%w: at least one collection is required", ErrInvalidQuery)
	}
	for i, c := range q.Collections {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: collection at index %d cannot be empty", ErrInvalidQuery, i)
		}
	}
	if len(q.BBox) > 0 {
		if err := stac.ValidateBBox(q.BBox); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	}
	if q.Datetime != "" {
		if err := stac.ValidateDatetime(q.Datetime); err != nil {
			return fmt.Errorf("%w: datetime: %w", ErrInvalidQuery, err)
		}
	}
	for name, p := range q.Filters {
		if !validOps[p.Op] {
			return fmt.Errorf("%w: unsupported operator %q for %s", ErrInvalidQuery, p.Op, name)
		}
	}
	if err := ValidateFilter(q.Filter); err != nil {
		return err
	}
	if q.Limit < 0 || q.MaxItems < 0 {
		return fmt.Errorf("%w: limit and max items must be non-negative", ErrInvalidQuery)
	}
	return nil
}

// Normalize returns a deep copy with collections trimmed, sorted and
// de-duplicated and the datetime rewritten into canonical UTC form.
func (q Query) Normalize() (Query, error) {
	out := q

	out.Collections = make([]string, 0, len(q.Collections))
	for _, c := range q.Collections {
		if c = strings.TrimSpace(c); c != "" {
			out.Collections = append(out.Collections, c)
		}
	}
	sort.Strings(out.Collections)
	out.Collections = slices.Compact(out.Collections)

	out.BBox = slices.Clone(q.BBox)
	out.Sortby = slices.Clone(q.Sortby)
	out.Filter = slices.Clone(q.Filter)
	if q.Intersects != nil {
		g := *q.Intersects
		g.Coordinates = slices.Clone(q.Intersects.Coordinates)
		out.Intersects = &g
	}
	if q.Filters != nil {
		out.Filters = make(map[string]Predicate, len(q.Filters))
		for k, v := range q.Filters {
			out.Filters[k] = v
		}
	}

	dt, err := stac.NormalizeDatetime(q.Datetime)
	if err != nil {
		return Query{}, fmt.Errorf("%w: datetime: %w", ErrInvalidQuery, err)
	}
	out.Datetime = dt

	return out, nil
}

// Fingerprint returns a stable key for the query. Queries that differ only in
// collection order, predicate map order or datetime notation share a fingerprint.
func (q Query) Fingerprint() string {
	if n, err := q.Normalize(); err == nil {
		q = n
	}

	doc := map[string]any{
		"collections": q.Collections,
		"bbox":        q.BBox,
		"datetime":    q.Datetime,
		"limit":       q.Limit,
		"max_items":   q.MaxItems,
		"sortby":      stac.FormatSortby(q.Sortby),
	}
	if q.Intersects != nil {
		doc["intersects"] = rawToAny(q.Intersects.Type, q.Intersects.Coordinates)
	}
	if len(q.Filters) > 0 {
		filters := make(map[string]any, len(q.Filters))
		for k, p := range q.Filters {
			filters[k] = map[string]any{"op": p.Op, "value": p.Value}
		}
		doc["query"] = filters
	}
	if len(q.Filter) > 0 {
		doc["filter"] = rawToAny("", q.Filter)
	}

	canonical, err := canonicalize(doc)
	if err != nil {
		// only reachable with non-JSON predicate values
		canonical = []byte(fmt.Sprintf("%#v", doc))
	}

	hash := sha256.Sum256(canonical)
	return "search:" + hex.EncodeToString(hash[:16])
}

// SearchRequest renders the query as an item-search POST body.
func (q Query) SearchRequest(fields *stac.Fields) *stac.SearchRequest {
	req := &stac.SearchRequest{
		Collections: q.Collections,
		BBox:        q.BBox,
		Intersects:  q.Intersects,
		DateTime:    q.Datetime,
		Limit:       q.Limit,
		Sortby:      q.Sortby,
		Fields:      fields,
	}
	if req.Intersects != nil {
		// bbox and intersects are mutually exclusive in item search
		req.BBox = nil
	}
	if len(q.Filters) > 0 {
		req.Query = make(map[string]map[string]any, len(q.Filters))
		for name, p := range q.Filters {
			if req.Query[name] == nil {
				req.Query[name] = map[string]any{}
			}
			req.Query[name][p.Op] = p.Value
		}
	}
	if len(q.Filter) > 0 {
		req.Filter = q.Filter
		req.FilterLang = "cql2-json"
	}
	return req
}

func rawToAny(geomType string, raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = string(raw)
	}
	if geomType == "" {
		return v
	}
	return map[string]any{"type": geomType, "coordinates": v}
}

// canonicalize produces a deterministic JSON representation of the input.
// Maps are sorted by key to ensure consistent ordering.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte("[")
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
