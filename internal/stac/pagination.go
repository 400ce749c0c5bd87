package stac

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// NextLink returns the rel=next link of a search response, or nil on the last page.
func NextLink(links []*SearchLink) *SearchLink {
	for _, link := range links {
		if link != nil && strings.EqualFold(link.Rel, "next") && link.Href != "" {
			return link
		}
	}
	return nil
}

// NextPage describes how to request the page a next link points to.
type NextPage struct {
	Method string
	URL    string
	Body   []byte // nil for GET
}

// ResolveNextPage works out the request for the next page given the body of
// the previous POST request. A POST link without a body repeats the previous
// body; a POST link with merge=true overlays its body onto the previous one.
func ResolveNextPage(link *SearchLink, prevBody []byte) (*NextPage, error) {
	if link == nil {
		return nil, fmt.Errorf("no next link")
	}

	method := strings.ToUpper(link.Method)
	if method == "" {
		method = http.MethodGet
	}

	switch method {
	case http.MethodGet:
		return &NextPage{Method: method, URL: link.Href}, nil

	case http.MethodPost:
		if len(link.Body) == 0 {
			return &NextPage{Method: method, URL: link.Href, Body: prevBody}, nil
		}
		if !link.Merge {
			return &NextPage{Method: method, URL: link.Href, Body: link.Body}, nil
		}

		merged, err := mergeBodies(prevBody, link.Body)
		if err != nil {
			return nil, err
		}
		return &NextPage{Method: method, URL: link.Href, Body: merged}, nil

	default:
		return nil, fmt.Errorf("unsupported next link method %q", link.Method)
	}
}

func mergeBodies(base, overlay []byte) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode previous search body: %w", err)
		}
	}

	var extra map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &extra); err != nil {
		return nil, fmt.Errorf("failed to decode next link body: %w", err)
	}
	for k, v := range extra {
		fields[k] = v
	}

	return json.Marshal(fields)
}
