// Package mosaic composites the assets of an ordered item list into a single
// raster using first-valid-wins precedence.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/bandmath"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
)

// DefaultConcurrency is the number of items read at once when Options leaves
// it unset.
const DefaultConcurrency = 8

var (
	// ErrNoItemsFound is returned for an empty item list.
	ErrNoItemsFound = errors.New("no items found")

	// ErrNoValidData is returned when no item contributed a valid pixel.
	ErrNoValidData = errors.New("no valid data")

	// ErrInvalidBandIndex is recorded for items that lack a requested band.
	ErrInvalidBandIndex = errors.New("invalid band index")
)

var tracer = otel.Tracer("github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic")

// WindowReader reads one asset onto a grid. *raster.Reader implements it.
type WindowReader interface {
	ReadWindow(ctx context.Context, asset catalog.Asset, grid geo.Grid, opts raster.ReadOptions) (*raster.Window, error)
}

// Options controls one assembly.
type Options struct {
	Selector    Selector
	Concurrency int
	Resampling  raster.Resampling
	Nodata      *float64
	Alternate   string

	// Bidx keeps only these 1-based bands of each item's stacked assets.
	Bidx []int
	// Expression, when set, replaces each item's bands with its output
	// bands. It takes precedence over Bidx.
	Expression *bandmath.Expression
}

// ItemError records why an item contributed nothing.
type ItemError struct {
	ItemID string
	Asset  string
	Err    error
}

func (e ItemError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("item %s asset %s: %v", e.ItemID, e.Asset, e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// NoDataError is the ErrNoValidData failure with the per-item errors attached.
type NoDataError struct {
	Items  int
	Errors []ItemError
}

func (e *NoDataError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%v: none of %d items covered the grid", ErrNoValidData, e.Items)
	}
	return fmt.Sprintf("%v: %d of %d items failed, first: %v", ErrNoValidData, len(e.Errors), e.Items, e.Errors[0])
}

// Is matches ErrNoValidData.
func (e *NoDataError) Is(target error) bool { return target == ErrNoValidData }

// Result is a composited raster. Data is band-major like raster.Window.
type Result struct {
	Width  int
	Height int
	Bands  int
	Data   []float64
	Mask   []bool

	// Contributors lists the items that supplied at least one pixel, in
	// precedence order.
	Contributors []string
	Errors       []ItemError
	Coverage     float64

	// Read counts items whose assets were read; Skipped counts items outside
	// the grid.
	Read    int
	Skipped int
}

// Assembler fans reads out over items and composites the windows.
type Assembler struct {
	reader WindowReader
	logger *slog.Logger
}

// New creates an Assembler.
func New(reader WindowReader) *Assembler {
	return &Assembler{reader: reader, logger: slog.Default()}
}

// WithLogger sets the logger.
func (a *Assembler) WithLogger(logger *slog.Logger) *Assembler {
	a.logger = logger
	return a
}

// Assemble reads items onto grid and composites them in slice order: a pixel
// takes its value from the first item that has it valid. Reads run with at
// most opts.Concurrency items in flight, and an item is only scheduled within
// 2*opts.Concurrency positions of the earliest unmerged one, which bounds the
// windows held while a slow item blocks the merge. Once every
// pixel is valid the remaining reads are cancelled and unstarted items are
// never read.
//
// Per-item failures are collected in Result.Errors. Assemble fails with
// ErrNoItemsFound for an empty list, with a *NoDataError when no pixel is
// valid, and with the context error when ctx ends first.
func (a *Assembler) Assemble(ctx context.Context, items []catalog.Item, grid geo.Grid, opts Options) (*Result, error) {
	if len(items) == 0 {
		return nil, ErrNoItemsFound
	}
	if opts.Selector == nil {
		opts.Selector = FirstRaster()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	ctx, span := tracer.Start(ctx, "mosaic.assemble", trace.WithAttributes(
		attribute.Int("mosaic.items", len(items)),
		attribute.Int("mosaic.concurrency", opts.Concurrency),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()
	g.SetLimit(opts.Concurrency)

	comp := newCompositor(grid, 2*opts.Concurrency, cancel)
	stop := context.AfterFunc(gctx, comp.stop)
	defer stop()
	gridBBox := grid.BBox()

	for i := range items {
		if !comp.waitTurn(i) || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// checked again after the slot is acquired: an earlier item may
			// have completed the mosaic while this one waited
			if gctx.Err() != nil {
				return nil
			}
			comp.deliver(i, a.readItem(gctx, items[i], gridBBox, grid, opts))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := comp.finish()
	span.SetAttributes(
		attribute.Int("mosaic.read", res.Read),
		attribute.Int("mosaic.errors", len(res.Errors)),
		attribute.Float64("mosaic.coverage", res.Coverage),
	)
	if res.Coverage == 0 {
		err := &NoDataError{Items: len(items), Errors: res.Errors}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	a.logger.DebugContext(ctx, "mosaic assembled",
		slog.Int("items", len(items)),
		slog.Int("read", res.Read),
		slog.Int("contributors", len(res.Contributors)),
		slog.Int("errors", len(res.Errors)),
		slog.Float64("coverage", res.Coverage),
	)
	return res, nil
}

type outcome struct {
	win     *raster.Window
	err     *ItemError
	skipped bool
}

func (a *Assembler) readItem(ctx context.Context, item catalog.Item, gridBBox []float64, grid geo.Grid, opts Options) outcome {
	if !intersects(item.BBox, gridBBox) {
		return outcome{skipped: true}
	}

	assets, err := opts.Selector.Select(item)
	if err != nil {
		return outcome{err: &ItemError{ItemID: item.ID, Err: err}}
	}
	if len(assets) == 0 {
		return outcome{err: &ItemError{ItemID: item.ID, Err: fmt.Errorf("%w: selector returned no assets", ErrNoMatchingAsset)}}
	}

	ctx, span := tracer.Start(ctx, "mosaic.read_item", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.Int("item.assets", len(assets)),
	))
	defer span.End()

	ropts := raster.ReadOptions{Resampling: opts.Resampling, Nodata: opts.Nodata, Alternate: opts.Alternate}
	var stacked *raster.Window
	var labels []string
	for _, asset := range assets {
		win, err := a.reader.ReadWindow(ctx, asset, grid, ropts)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return outcome{err: &ItemError{ItemID: item.ID, Asset: asset.Name, Err: err}}
		}
		stacked = stack(stacked, win)
		for b := 1; b <= win.Bands; b++ {
			labels = append(labels, bandmath.Label(asset.Name, b))
		}
	}
	stacked.ItemID = item.ID

	out, err := shape(stacked, labels, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return outcome{err: &ItemError{ItemID: item.ID, Err: err}}
	}
	return outcome{win: out}
}

// shape applies the band expression or band selection to an item window.
func shape(win *raster.Window, labels []string, opts Options) (*raster.Window, error) {
	if opts.Expression != nil {
		return opts.Expression.Apply(win, labels)
	}
	if len(opts.Bidx) == 0 {
		return win, nil
	}

	n := win.Pixels()
	out := raster.NewWindow(win.Width, win.Height, len(opts.Bidx))
	out.ItemID = win.ItemID
	out.Asset = win.Asset
	copy(out.Mask, win.Mask)
	for k, b := range opts.Bidx {
		if b < 1 || b > win.Bands {
			return nil, fmt.Errorf("%w: band index %d outside 1..%d", ErrInvalidBandIndex, b, win.Bands)
		}
		copy(out.Data[k*n:(k+1)*n], win.Data[(b-1)*n:b*n])
	}
	return out, nil
}

// stack appends win's bands to acc; a pixel stays valid only where every
// asset is valid.
func stack(acc, win *raster.Window) *raster.Window {
	if acc == nil {
		return win
	}
	out := raster.NewWindow(acc.Width, acc.Height, acc.Bands+win.Bands)
	copy(out.Data, acc.Data)
	copy(out.Data[len(acc.Data):], win.Data)
	for i := range out.Mask {
		out.Mask[i] = acc.Mask[i] && win.Mask[i]
	}
	return out
}

func intersects(itemBBox, gridBBox []float64) bool {
	if len(itemBBox) != 4 || itemBBox[0] > itemBBox[2] {
		// unknown or antimeridian-crossing footprints are always read
		return true
	}
	return itemBBox[0] <= gridBBox[2] && itemBBox[2] >= gridBBox[0] &&
		itemBBox[1] <= gridBBox[3] && itemBBox[3] >= gridBBox[1]
}

// compositor merges outcomes in item order. Outcomes that complete ahead of
// an earlier item wait in pending until the gap closes.
type compositor struct {
	mu      sync.Mutex
	turn    *sync.Cond
	width   int
	height  int
	res     *Result
	pending map[int]outcome
	window  int
	next    int
	missing int
	done    bool
	stopped bool
	cancel  context.CancelFunc

	errs    []ItemError
	read    int
	skipped int
	contrib []string
}

func newCompositor(grid geo.Grid, window int, cancel context.CancelFunc) *compositor {
	c := &compositor{
		width:   grid.Width,
		height:  grid.Height,
		pending: make(map[int]outcome, window),
		window:  window,
		missing: grid.Pixels(),
		cancel:  cancel,
	}
	c.turn = sync.NewCond(&c.mu)
	return c
}

// waitTurn blocks until item i is within the merge window. It reports false
// once the mosaic is complete or the assembly was stopped.
func (c *compositor) waitTurn(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i >= c.next+c.window && !c.done && !c.stopped {
		c.turn.Wait()
	}
	return !c.done && !c.stopped
}

// stop releases waitTurn after the assembly context ends.
func (c *compositor) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.turn.Broadcast()
}

func (c *compositor) deliver(i int, o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.turn.Broadcast()
	if c.done {
		return
	}
	c.pending[i] = o
	for {
		next, ok := c.pending[c.next]
		if !ok {
			return
		}
		delete(c.pending, c.next)
		c.next++
		c.apply(next)
		if c.missing == 0 {
			c.done = true
			c.cancel()
			return
		}
	}
}

func (c *compositor) apply(o outcome) {
	switch {
	case o.skipped:
		c.skipped++
		return
	case o.err != nil:
		c.errs = append(c.errs, *o.err)
		return
	}

	c.read++
	win := o.win
	if c.res == nil {
		c.res = &Result{
			Width:  c.width,
			Height: c.height,
			Bands:  win.Bands,
			Data:   make([]float64, c.width*c.height*win.Bands),
			Mask:   make([]bool, c.width*c.height),
		}
	}
	if win.Bands != c.res.Bands || win.Width != c.width || win.Height != c.height {
		c.errs = append(c.errs, ItemError{
			ItemID: win.ItemID,
			Err:    fmt.Errorf("%w: window has %d bands, mosaic has %d", raster.ErrAssetUnreadable, win.Bands, c.res.Bands),
		})
		return
	}

	n := c.width * c.height
	filled := 0
	for i, ok := range win.Mask {
		if !ok || c.res.Mask[i] {
			continue
		}
		c.res.Mask[i] = true
		for b := 0; b < win.Bands; b++ {
			c.res.Data[b*n+i] = win.Data[b*n+i]
		}
		filled++
	}
	if filled > 0 {
		c.missing -= filled
		c.contrib = append(c.contrib, win.ItemID)
	}
}

// finish returns the composited result. Call it after every worker has
// returned.
func (c *compositor) finish() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.res
	if res == nil {
		res = &Result{Width: c.width, Height: c.height}
	}
	res.Contributors = c.contrib
	res.Errors = c.errs
	res.Read = c.read
	res.Skipped = c.skipped
	if total := c.width * c.height; total > 0 {
		res.Coverage = float64(total-c.missing) / float64(total)
	}
	return res
}
