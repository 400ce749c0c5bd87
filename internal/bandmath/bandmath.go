// Package bandmath evaluates per-pixel band expressions such as
// "(B08-B04)/(B08+B04)" over the bands of a stacked item window.
//
// An expression holds one or more blocks separated by ';', each producing one
// output band. Variables name bands in one of two ways:
//
//	asset_b1   band 1 of asset "asset"
//	B08        band 1 of asset "B08", when assets are read as bands
//
// Stacked band positions are always available as b1, b2, ...
package bandmath

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
)

// ErrInvalidExpression is returned for expressions that do not compile or
// reference bands a window does not have.
var ErrInvalidExpression = errors.New("invalid band expression")

var (
	identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	bandSuffix   = regexp.MustCompile(`^(.+)_b([0-9]+)$`)
	bandIndex    = regexp.MustCompile(`^b[0-9]+$`)
	keywords     = map[string]bool{"true": true, "false": true, "nil": true, "and": true, "or": true, "not": true, "in": true}
)

// Expression is a compiled band expression. It is safe for concurrent use.
type Expression struct {
	source      string
	blocks      []*vm.Program
	vars        []string
	assetAsBand bool
}

// Parse compiles expression. With assetAsBand, bare asset names refer to the
// first band of that asset.
func Parse(expression string, assetAsBand bool) (*Expression, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	e := &Expression{source: expression, assetAsBand: assetAsBand}
	for _, block := range strings.Split(expression, ";") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		program, err := expr.Compile(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, block, err)
		}
		e.blocks = append(e.blocks, program)
		for _, v := range variables(block) {
			if !slices.Contains(e.vars, v) {
				e.vars = append(e.vars, v)
			}
		}
	}
	if len(e.blocks) == 0 {
		return nil, fmt.Errorf("%w: no expression blocks in %q", ErrInvalidExpression, expression)
	}
	return e, nil
}

// variables returns the identifiers of block that are not function calls.
func variables(block string) []string {
	var out []string
	for _, loc := range identPattern.FindAllStringIndex(block, -1) {
		name := block[loc[0]:loc[1]]
		if keywords[name] {
			continue
		}
		if loc[0] > 0 && isIdentByte(block[loc[0]-1]) {
			continue // tail of a number literal such as 1e5
		}
		if rest := strings.TrimLeft(block[loc[1]:], " \t"); strings.HasPrefix(rest, "(") {
			continue
		}
		out = append(out, name)
	}
	return out
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '.' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// String returns the source expression.
func (e *Expression) String() string { return e.source }

// Bands is the number of output bands.
func (e *Expression) Bands() int { return len(e.blocks) }

// Assets returns the asset names the expression references, in order of
// first use. Positional bN variables name no asset.
func (e *Expression) Assets() []string {
	var out []string
	for _, v := range e.vars {
		if bandIndex.MatchString(v) {
			continue
		}
		name := v
		if m := bandSuffix.FindStringSubmatch(v); m != nil {
			name = m[1]
		} else if !e.assetAsBand {
			continue
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Label names band (1-based) of asset the way expressions refer to it.
func Label(asset string, band int) string {
	return asset + "_b" + strconv.Itoa(band)
}

// Apply evaluates the expression on every valid pixel of win. labels names
// each band of win (see Label). A pixel is invalid in the result when it is
// invalid in win or any block yields a non-finite value.
func (e *Expression) Apply(win *raster.Window, labels []string) (*raster.Window, error) {
	if len(labels) != win.Bands {
		return nil, fmt.Errorf("%w: %d labels for %d bands", ErrInvalidExpression, len(labels), win.Bands)
	}

	n := win.Pixels()
	slots := make(map[string]int, 2*len(labels))
	for b, label := range labels {
		slots["b"+strconv.Itoa(b+1)] = b
		slots[label] = b
		if e.assetAsBand {
			if m := bandSuffix.FindStringSubmatch(label); m != nil && m[2] == "1" {
				if _, taken := slots[m[1]]; !taken {
					slots[m[1]] = b
				}
			}
		}
	}
	for _, v := range e.vars {
		if _, ok := slots[v]; !ok {
			return nil, fmt.Errorf("%w: unknown band %q in %q", ErrInvalidExpression, v, e.source)
		}
	}

	out := raster.NewWindow(win.Width, win.Height, len(e.blocks))
	out.ItemID = win.ItemID
	out.Asset = win.Asset

	env := make(map[string]any, len(e.vars))
	var machine vm.VM
	for i, ok := range win.Mask {
		if !ok {
			continue
		}
		for _, v := range e.vars {
			env[v] = win.Data[slots[v]*n+i]
		}
		valid := true
		for k, program := range e.blocks {
			res, err := machine.Run(program, env)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
			}
			f, ok := toFloat(res)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				valid = false
				break
			}
			out.Data[k*n+i] = f
		}
		out.Mask[i] = valid
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
