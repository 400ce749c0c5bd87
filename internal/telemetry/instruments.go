package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments records tile server metrics. It satisfies the Metrics
// interfaces of the searchcache, raster and tiler packages.
type Instruments struct {
	cacheLookups  metric.Int64Counter
	cacheFetches  metric.Float64Histogram
	assetReads    metric.Int64Counter
	assetBytes    metric.Int64Counter
	assetDuration metric.Float64Histogram
	tiles         metric.Int64Counter
	tileDuration  metric.Float64Histogram
}

// NewInstruments creates the instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)

	if in.cacheLookups, err = meter.Int64Counter("tiler.cache.lookups",
		metric.WithDescription("Search cache lookups"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if in.cacheFetches, err = meter.Float64Histogram("tiler.cache.fetch.duration",
		metric.WithDescription("Catalog searches run on cache misses"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if in.assetReads, err = meter.Int64Counter("tiler.asset.reads",
		metric.WithDescription("Asset fetches"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}
	if in.assetBytes, err = meter.Int64Counter("tiler.asset.bytes",
		metric.WithDescription("Bytes fetched from asset storage"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if in.assetDuration, err = meter.Float64Histogram("tiler.asset.fetch.duration",
		metric.WithDescription("Asset fetch duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if in.tiles, err = meter.Int64Counter("tiler.tile.requests",
		metric.WithDescription("Tile requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if in.tileDuration, err = meter.Float64Histogram("tiler.tile.duration",
		metric.WithDescription("Tile request duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordCacheLookup counts a search cache lookup.
func (in *Instruments) RecordCacheLookup(ctx context.Context, hit bool) {
	in.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}

// RecordCacheFetch records a catalog search run to fill the cache.
func (in *Instruments) RecordCacheFetch(ctx context.Context, d time.Duration, err error) {
	in.cacheFetches.Record(ctx, ms(d), metric.WithAttributes(outcome(err)))
}

// RecordAssetRead records one asset fetch.
func (in *Instruments) RecordAssetRead(ctx context.Context, scheme string, d time.Duration, bytes int, err error) {
	attrs := metric.WithAttributes(attribute.String("scheme", scheme), outcome(err))
	in.assetReads.Add(ctx, 1, attrs)
	in.assetDuration.Record(ctx, ms(d), attrs)
	if bytes > 0 {
		in.assetBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("scheme", scheme)))
	}
}

// RecordTile records a tile request.
func (in *Instruments) RecordTile(ctx context.Context, collection string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("collection", collection), outcome(err))
	in.tiles.Add(ctx, 1, attrs)
	in.tileDuration.Record(ctx, ms(d), attrs)
}
