package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Key identifies a fetchable resource. The first element is a URL path and
// any further elements are parameters. Keys compare structurally.
type Key []any

// NewKey builds a key from a path and optional parameters.
func NewKey(path string, params ...any) Key {
	key := make(Key, 0, len(params)+1)
	key = append(key, path)
	return append(key, params...)
}

// String returns the canonical encoding used for structural equality.
func (k Key) String() string {
	encoded, err := json.Marshal([]any(k))
	if err != nil {
		return fmt.Sprintf("%v", []any(k))
	}
	return string(encoded)
}

// Equal reports structural equality.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// Path returns the first element.
func (k Key) Path() string {
	if len(k) == 0 {
		return ""
	}
	if s, ok := k[0].(string); ok {
		return s
	}
	return fmt.Sprint(k[0])
}

// URL joins every element with "/", which is the default fetch target.
func (k Key) URL() string {
	parts := make([]string, 0, len(k))
	for _, el := range k {
		parts = append(parts, fmt.Sprint(el))
	}
	return strings.Join(parts, "/")
}

// Predicate selects cache keys.
type Predicate func(Key) bool

// PathPrefix matches keys whose path equals one of prefixes or continues it
// at a segment boundary, so "/api/orders" matches "/api/orders/7" but not
// "/api/orders-archive".
func PathPrefix(prefixes ...string) Predicate {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return func(k Key) bool {
		path := k.Path()
		for _, prefix := range cleaned {
			if HasPathPrefix(path, prefix) {
				return true
			}
		}
		return false
	}
}

// Exact matches a single key.
func Exact(key Key) Predicate {
	want := key.String()
	return func(k Key) bool { return k.String() == want }
}

// HasPathPrefix reports whether path falls under prefix at a segment boundary.
func HasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	switch path[len(prefix)] {
	case '/', '?', '#':
		return true
	}
	return false
}
