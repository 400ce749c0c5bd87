// Package api provides HTTP handlers and routing for the mosaic tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler"
)

// STACError represents a STAC-compliant error response.
type STACError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	RequestID   string `json:"request_id,omitempty"`
}

// Standard STAC error codes.
const (
	ErrCodeBadRequest       = "BadRequest"
	ErrCodeNotFound         = "NotFound"
	ErrCodeInvalidParameter = "InvalidParameterValue"
	ErrCodeServerError      = "ServerError"
	ErrCodeUpstreamError    = "UpstreamServiceError"
	ErrCodeTimeout          = "Timeout"
	ErrCodeNoData           = "NoData"
)

// WriteJSON writes a JSON response with the given status code and value.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	return writeEncoded(w, status, "application/json", v)
}

// WriteGeoJSON writes a GeoJSON response with the given status code and value.
func WriteGeoJSON(w http.ResponseWriter, status int, v any) error {
	return writeEncoded(w, status, "application/geo+json", v)
}

func writeEncoded(w http.ResponseWriter, status int, contentType string, v any) error {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response",
			slog.String("content_type", contentType),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// WriteError writes a STAC-compliant error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, STACError{Code: code, Description: message})
}

func writeError(w http.ResponseWriter, status int, e STACError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(e); err != nil {
		slog.Error("failed to encode error response",
			slog.String("error", err.Error()),
		)
	}
}

// WriteBadRequest writes a 400 Bad Request error response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// WriteNotFound writes a 404 Not Found error response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// WriteInvalidParameter writes a 400 Bad Request error for invalid parameters.
func WriteInvalidParameter(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, message)
}

// WriteInternalErrorWithRequestID writes a 500 error carrying the request ID.
func WriteInternalErrorWithRequestID(w http.ResponseWriter, message, requestID string) {
	writeError(w, http.StatusInternalServerError, STACError{
		Code:        ErrCodeServerError,
		Description: message,
		RequestID:   requestID,
	})
}

// errorStatus maps a tile pipeline error to an HTTP status and STAC error code.
// Timeouts are checked first: a timed-out request may also wrap the error of
// the step it was cut short in.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, tiler.ErrTileTimeout),
		errors.Is(err, catalog.ErrCatalogTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, tiler.ErrCollectionNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, mosaic.ErrNoItemsFound),
		errors.Is(err, mosaic.ErrNoValidData):
		return http.StatusNotFound, ErrCodeNoData
	case errors.Is(err, tiler.ErrInvalidRequest),
		errors.Is(err, catalog.ErrInvalidQuery):
		return http.StatusBadRequest, ErrCodeInvalidParameter
	case errors.Is(err, catalog.ErrCatalogQuery):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return http.StatusBadGateway, ErrCodeUpstreamError
	default:
		return http.StatusInternalServerError, ErrCodeServerError
	}
}

// writeTileError logs err and writes the mapped error response. Requests
// abandoned by the client get no response body.
func (h *Handlers) writeTileError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		h.logger.DebugContext(ctx, "client went away", slog.String("error", err.Error()))
		return
	}

	status, code := errorStatus(err)
	reqID := GetRequestID(ctx)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "tile request failed",
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	} else {
		h.logger.DebugContext(ctx, "tile request rejected",
			slog.String("request_id", reqID),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	writeError(w, status, STACError{Code: code, Description: err.Error(), RequestID: reqID})
}
