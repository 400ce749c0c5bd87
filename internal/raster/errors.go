package raster

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAssetUnreadable is returned when asset bytes cannot be decoded or
	// georeferenced.
	ErrAssetUnreadable = errors.New("asset unreadable")

	// ErrAssetUnreachable is returned when the asset cannot be fetched.
	ErrAssetUnreachable = errors.New("asset unreachable")

	// ErrAssetTimeout is returned when a read exceeds its deadline.
	ErrAssetTimeout = errors.New("asset read timed out")
)

// classify tags context expiry as ErrAssetTimeout. Plain cancellation is
// returned unchanged: it means the caller no longer wants the window.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrAssetTimeout) {
		return fmt.Errorf("%w: %w", ErrAssetTimeout, err)
	}
	return err
}
