package catalog

import "errors"

var (
	// ErrCatalogUnavailable is returned when the STAC API cannot be reached or
	// answers with a server-side failure.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrCatalogQuery is returned when the STAC API rejects the search request.
	ErrCatalogQuery = errors.New("catalog rejected query")

	// ErrCatalogTimeout is returned when a search does not complete within its deadline.
	ErrCatalogTimeout = errors.New("catalog search timed out")

	// ErrInvalidQuery is returned when a query fails local validation.
	ErrInvalidQuery = errors.New("invalid query")
)
