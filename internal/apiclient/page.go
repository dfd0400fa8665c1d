package apiclient

import (
	"bytes"
	"encoding/json"
)

// Page is one page of a paginated OData fetch.
type Page struct {
	Items    []json.RawMessage
	Count    *int64
	NextLink string
	Index    int
}

// odataEnvelope covers both the standard OData shape and the vendor
// "items"/"nextPageLink" variant seen on some endpoints.
type odataEnvelope struct {
	Value    []json.RawMessage `json:"value"`
	Items    []json.RawMessage `json:"items"`
	Count    *int64            `json:"@odata.count"`
	NextLink string            `json:"@odata.nextLink"`
	NextPage string            `json:"nextPageLink"`
}

// parsePage tolerates three response shapes: {value: [...]}, {items:
// [...]}, or a bare JSON array. In strict mode, anything else fails
// with a Validation error; in lax mode it is treated as an empty page.
func parsePage(body []byte, strict bool) (*Page, *Error) {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &Error{Kind: KindParse, Message: "invalid JSON array body", Err: err}
		}

		return &Page{Items: items}, nil
	}

	var env odataEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &Error{Kind: KindParse, Message: "invalid JSON response body", Err: err}
	}

	switch {
	case env.Value != nil:
		return &Page{Items: env.Value, Count: env.Count, NextLink: env.NextLink}, nil
	case env.Items != nil:
		return &Page{Items: env.Items, NextLink: env.NextPage}, nil
	default:
		if strict {
			return nil, &Error{
				Kind:    KindValidation,
				Message: "response body did not match the value/items/array shape",
			}
		}

		return &Page{}, nil
	}
}
