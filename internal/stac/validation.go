package stac

import (
	"fmt"
	"strings"
	"time"
)

// ValidateBBox validates a 2D [west, south, east, north] bounding box in WGS84.
func ValidateBBox(bbox []float64) error {
	if len(bbox) != 4 {
		return fmt.Errorf("bbox must have 4 coordinates, got %d", len(bbox))
	}

	west, south, east, north := bbox[0], bbox[1], bbox[2], bbox[3]

	if west < -180 || west > 180 || east < -180 || east > 180 {
		return fmt.Errorf("longitudes must be between -180 and 180, got %f and %f", west, east)
	}
	if south < -90 || south > 90 || north < -90 || north > 90 {
		return fmt.Errorf("latitudes must be between -90 and 90, got %f and %f", south, north)
	}
	if west > east {
		return fmt.Errorf("west longitude (%f) must be less than or equal to east longitude (%f)", west, east)
	}
	if south > north {
		return fmt.Errorf("south latitude (%f) must be less than or equal to north latitude (%f)", south, north)
	}

	return nil
}

// ValidateDatetime validates a datetime string according to RFC 3339 / ISO 8601
func ValidateDatetime(dt string) error {
	_, err := NormalizeDatetime(dt)
	return err
}

// NormalizeDatetime rewrites a datetime or interval into a canonical form:
// instants in UTC RFC 3339, open ends as "..". Equivalent inputs such as
// "2024-01-01T02:00:00+02:00" and "2024-01-01T00:00:00Z" normalize equally.
func NormalizeDatetime(dt string) (string, error) {
	dt = strings.TrimSpace(dt)
	if dt == "" {
		return "", nil
	}
	if dt == ".." {
		return "../..", nil
	}

	if !strings.Contains(dt, "/") {
		t, err := parseInstant(dt)
		if err != nil {
			return "", fmt.Errorf("invalid datetime format, expected RFC 3339: %w", err)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}

	start, end, err := ParseDatetimeInterval(dt)
	if err != nil {
		return "", err
	}

	format := func(t *time.Time) string {
		if t == nil {
			return ".."
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return format(start) + "/" + format(end), nil
}

// ParseDatetimeInterval parses a datetime interval string into start and end times
// Supports formats:
// - "2023-01-01T00:00:00Z/2023-12-31T23:59:59Z" (closed interval)
// - "2023-01-01T00:00:00Z/.." (start time only)
// - "../2023-12-31T23:59:59Z" (end time only)
// - "2023-01-01/2023-01-31" (calendar dates, UTC midnight)
// - ".." or "../.." (open interval, both nil)
func ParseDatetimeInterval(dt string) (start, end *time.Time, err error) {
	if dt == "" {
		return nil, nil, fmt.Errorf("datetime interval cannot be empty")
	}

	if dt == ".." || dt == "../.." {
		return nil, nil, nil
	}

	parts := strings.Split(dt, "/")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid datetime interval format, expected 'start/end', got: %s", dt)
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr != "" && startStr != ".." {
		t, err := parseInstant(startStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start datetime: %w", err)
		}
		start = &t
	}

	if endStr != "" && endStr != ".." {
		t, err := parseInstant(endStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end datetime: %w", err)
		}
		end = &t
	}

	if start != nil && end != nil && start.After(*end) {
		return nil, nil, fmt.Errorf("start datetime (%s) must be before or equal to end datetime (%s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	return start, end, nil
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
