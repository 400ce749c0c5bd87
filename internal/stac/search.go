package stac

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
)

// SortbyItem represents a single sort criterion
type SortbyItem struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// Fields is the fields extension include/exclude selection.
type Fields struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// SearchRequest is the POST /search body sent to an upstream STAC API.
type SearchRequest struct {
	Collections []string          `json:"collections,omitempty"`
	BBox        []float64         `json:"bbox,omitempty"`
	Intersects  *geojson.Geometry `json:"intersects,omitempty"`
	DateTime    string            `json:"datetime,omitempty"`
	Limit       int               `json:"limit,omitempty"`

	// Query extension: property -> operator -> value
	Query map[string]map[string]any `json:"query,omitempty"`

	// Filter extension (CQL2-JSON)
	Filter     json.RawMessage `json:"filter,omitempty"`
	FilterLang string          `json:"filter-lang,omitempty"`

	Sortby []SortbyItem `json:"sortby,omitempty"`
	Fields *Fields      `json:"fields,omitempty"`
}

// ParseSortby parses a sortby expression.
// Format: +datetime or -datetime (+ is asc, - is desc, no prefix is asc)
// Multiple sorts: +datetime,-eo:cloud_cover
func ParseSortby(sortbyStr string) ([]SortbyItem, error) {
	if strings.TrimSpace(sortbyStr) == "" {
		return nil, nil
	}

	fields := strings.Split(sortbyStr, ",")
	items := make([]SortbyItem, 0, len(fields))

	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		direction := SortAsc
		switch field[0] {
		case '+':
			field = field[1:]
		case '-':
			direction = SortDesc
			field = field[1:]
		}

		field = strings.TrimPrefix(field, "properties.")
		if field == "" {
			return nil, fmt.Errorf("empty field name in sortby")
		}

		items = append(items, SortbyItem{
			Field:     field,
			Direction: direction,
		})
	}

	return items, nil
}

// FormatSortby renders sort criteria back into the +field,-field form.
func FormatSortby(items []SortbyItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		prefix := "+"
		if item.Direction == SortDesc {
			prefix = "-"
		}
		parts = append(parts, prefix+item.Field)
	}
	return strings.Join(parts, ",")
}
