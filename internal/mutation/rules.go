package mutation

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/l0p7/querykit/internal/query"
)

// Rule maps a mutated resource prefix to the cache key prefixes it makes stale.
type Rule struct {
	Resource string   `json:"resource"`
	Affects  []string `json:"affects"`
}

// DefaultRules is the invalidation table for the agency API. Aggregates such
// as the client and admin stats are listed explicitly next to the resources
// they summarise.
var DefaultRules = []Rule{
	{Resource: "/api/orders", Affects: []string{"/api/orders", "/api/client/stats", "/api/admin/stats"}},
	{Resource: "/api/projects", Affects: []string{"/api/projects", "/api/client/stats", "/api/admin/stats"}},
	{Resource: "/api/payments", Affects: []string{"/api/payments", "/api/orders", "/api/client/stats", "/api/admin/stats"}},
	{Resource: "/api/clients", Affects: []string{"/api/clients", "/api/admin/stats"}},
	{Resource: "/api/onboarding", Affects: []string{"/api/onboarding", "/api/auth/user", "/api/clients"}},
	{Resource: "/api/seo", Affects: []string{"/api/seo"}},
	{Resource: "/api/settings", Affects: []string{"/api/settings"}},
	{Resource: "/api/auth/login", Affects: []string{"/api/auth/user"}},
	{Resource: "/api/auth/register", Affects: []string{"/api/auth/user"}},
	{Resource: "/api/auth/logout", Affects: []string{"/api"}},
}

// Table resolves mutated resources against a rule set, longest resource first.
type Table struct {
	rules []Rule
}

// NewTable validates rules and orders them for resolution.
func NewTable(rules []Rule) (*Table, error) {
	seen := make(map[string]struct{}, len(rules))
	ordered := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		resource := strings.TrimRight(strings.TrimSpace(rule.Resource), "/")
		if resource == "" || !strings.HasPrefix(resource, "/") {
			return nil, fmt.Errorf("mutation: rule %d: resource %q must be a root-relative path", i, rule.Resource)
		}
		if _, dup := seen[resource]; dup {
			return nil, fmt.Errorf("mutation: rule %d: duplicate resource %q", i, resource)
		}
		seen[resource] = struct{}{}
		affects := make([]string, 0, len(rule.Affects))
		for _, prefix := range rule.Affects {
			if trimmed := strings.TrimSpace(prefix); trimmed != "" {
				affects = append(affects, trimmed)
			}
		}
		if len(affects) == 0 {
			return nil, fmt.Errorf("mutation: rule %d: %s affects nothing", i, resource)
		}
		ordered = append(ordered, Rule{Resource: resource, Affects: affects})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Resource) > len(ordered[j].Resource)
	})
	return &Table{rules: ordered}, nil
}

// Resolve returns the affected prefixes for the resource addressed by target,
// which may be a path or a full URL.
func (t *Table) Resolve(target string) ([]string, bool) {
	path := resourcePath(target)
	for _, rule := range t.rules {
		if query.HasPathPrefix(path, rule.Resource) {
			return append([]string(nil), rule.Affects...), true
		}
	}
	return nil, false
}

// Rules returns a copy of the ordered rule set.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func resourcePath(target string) string {
	trimmed := strings.TrimSpace(target)
	if parsed, err := url.Parse(trimmed); err == nil {
		return parsed.Path
	}
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
