package mutation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTableResolve(t *testing.T) {
	table, err := NewTable(DefaultRules)
	require.NoError(t, err)

	tests := []struct {
		target string
		want   []string
		found  bool
	}{
		{target: "/api/orders", want: []string{"/api/orders", "/api/client/stats", "/api/admin/stats"}, found: true},
		{target: "/api/orders/17/cancel", want: []string{"/api/orders", "/api/client/stats", "/api/admin/stats"}, found: true},
		{target: "/api/payments/initialize", want: []string{"/api/payments", "/api/orders", "/api/client/stats", "/api/admin/stats"}, found: true},
		{target: "/api/onboarding/step/2", want: []string{"/api/onboarding", "/api/auth/user", "/api/clients"}, found: true},
		{target: "/api/auth/login", want: []string{"/api/auth/user"}, found: true},
		{target: "/api/auth/logout", want: []string{"/api"}, found: true},
		{target: "https://agency.example/api/seo?page=home", want: []string{"/api/seo"}, found: true},
		{target: "/api/orders-export", found: false},
		{target: "/api/auth/user", found: false},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			got, ok := table.Resolve(tc.target)
			require.Equal(t, tc.found, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTableLongestResourceWins(t *testing.T) {
	table, err := NewTable([]Rule{
		{Resource: "/api", Affects: []string{"/api"}},
		{Resource: "/api/seo/", Affects: []string{"/api/seo"}},
	})
	require.NoError(t, err)

	got, ok := table.Resolve("/api/seo/meta")
	require.True(t, ok)
	require.Equal(t, []string{"/api/seo"}, got)
	require.Equal(t, "/api/seo", table.Rules()[0].Resource)
}

func TestNewTableRejectsInvalidRules(t *testing.T) {
	tests := map[string][]Rule{
		"relative":  {{Resource: "orders", Affects: []string{"/api/orders"}}},
		"empty":     {{Resource: "/api/orders", Affects: []string{" "}}},
		"duplicate": {{Resource: "/api/seo", Affects: []string{"/api/seo"}}, {Resource: "/api/seo/", Affects: []string{"/api/seo"}}},
	}
	for name, rules := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(rules)
			require.Error(t, err)
		})
	}
}
