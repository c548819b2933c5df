package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Requester is the part of the request client the default fetcher needs.
type Requester interface {
	Request(ctx context.Context, method, url string, body any) (json.RawMessage, error)
}

// HTTPFetcher fetches a key with a GET to its joined URL. Values are the raw
// JSON bodies; an empty body yields nil.
func HTTPFetcher(r Requester) Fetcher {
	return func(ctx context.Context, key Key) (any, error) {
		raw, err := r.Request(ctx, http.MethodGet, key.URL(), nil)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, nil
		}
		return raw, nil
	}
}

// Decode converts a cached value into T. Raw JSON is unmarshalled, values
// already of type T pass through and anything else round-trips through JSON.
func Decode[T any](value any) (T, error) {
	var out T
	switch v := value.(type) {
	case nil:
		return out, nil
	case T:
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return out, fmt.Errorf("query: decode value: %w", err)
		}
		return out, nil
	case []byte:
		if len(v) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return out, fmt.Errorf("query: decode value: %w", err)
		}
		return out, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("query: encode value: %w", err)
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return out, fmt.Errorf("query: decode value: %w", err)
	}
	return out, nil
}

// ReadAs reads key and decodes the value into T.
func ReadAs[T any](ctx context.Context, c *Cache, key Key) (T, error) {
	value, err := c.Read(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](value)
}
