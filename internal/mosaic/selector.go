package mosaic

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
)

// ErrNoMatchingAsset is returned by a Selector when an item has none of the
// assets the rule asks for.
var ErrNoMatchingAsset = errors.New("no matching asset")

// Selector picks the assets of an item that feed the mosaic. Assets are
// stacked as bands in the returned order.
type Selector interface {
	Select(item catalog.Item) ([]catalog.Asset, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(item catalog.Item) ([]catalog.Asset, error)

// Select calls f.
func (f SelectorFunc) Select(item catalog.Item) ([]catalog.Asset, error) {
	return f(item)
}

// ParseSelector builds a Selector from a rule string:
//
//	first             first asset (by name) with a readable raster format
//	assets:B04,B03    the named assets, in that order; all must exist
//	role:visual       every asset declaring the role
//	type:image/png    every asset whose media type starts with the value
func ParseSelector(rule string) (Selector, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" || rule == "first" {
		return FirstRaster(), nil
	}

	kind, arg, ok := strings.Cut(rule, ":")
	arg = strings.TrimSpace(arg)
	if !ok || arg == "" {
		return nil, fmt.Errorf("invalid asset rule %q", rule)
	}

	switch kind {
	case "assets":
		var names []string
		for _, n := range strings.Split(arg, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("invalid asset rule %q", rule)
		}
		return Named(names...), nil
	case "role":
		return matching(rule, func(a catalog.Asset) bool { return a.HasRole(arg) }), nil
	case "type":
		return matching(rule, func(a catalog.Asset) bool { return strings.HasPrefix(a.Type, arg) }), nil
	}
	return nil, fmt.Errorf("unknown asset rule kind %q", kind)
}

// Named selects assets by key.
func Named(names ...string) Selector {
	return SelectorFunc(func(item catalog.Item) ([]catalog.Asset, error) {
		out := make([]catalog.Asset, 0, len(names))
		for _, n := range names {
			a, ok := item.Assets[n]
			if !ok {
				return nil, fmt.Errorf("%w: item %s has no asset %q", ErrNoMatchingAsset, item.ID, n)
			}
			out = append(out, a)
		}
		return out, nil
	})
}

// FirstRaster selects the first asset, in name order, the reader can decode.
func FirstRaster() Selector {
	return SelectorFunc(func(item catalog.Item) ([]catalog.Asset, error) {
		for _, name := range sortedNames(item) {
			a := item.Assets[name]
			if _, err := raster.DetectFormat(a); err == nil {
				return []catalog.Asset{a}, nil
			}
		}
		return nil, fmt.Errorf("%w: item %s has no raster asset", ErrNoMatchingAsset, item.ID)
	})
}

func matching(rule string, keep func(catalog.Asset) bool) Selector {
	return SelectorFunc(func(item catalog.Item) ([]catalog.Asset, error) {
		var out []catalog.Asset
		for _, name := range sortedNames(item) {
			if a := item.Assets[name]; keep(a) {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: item %s has no asset matching %q", ErrNoMatchingAsset, item.ID, rule)
		}
		return out, nil
	})
}

func sortedNames(item catalog.Item) []string {
	names := make([]string, 0, len(item.Assets))
	for n := range item.Assets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
