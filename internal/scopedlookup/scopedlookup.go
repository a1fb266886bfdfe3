// Package scopedlookup implements the org-then-global resolution pattern
// shared by every namespaced entity in bifrost-core (spec §4.1): issue the
// org-scoped query first; only fall back to the global query when org_id is
// non-null and the org query missed. A single query with
// `org_id IN (org, NULL)` is deliberately avoided — see spec §4.1's
// rationale about ambiguous results when duplicate names exist across
// scopes.
package scopedlookup

import "context"

// Query issues one scoped lookup and returns the row (or nil if absent).
// Implementations never return an error for "not found" — callers interpret
// a nil T as absent, matching spec §4.1 ("never raises").
type Query[T any] func(ctx context.Context, orgID *string) (*T, error)

// Lookup resolves orgScoped first, falling back to globalScoped only when
// orgID is non-nil and the org-scoped query returned nothing.
func Lookup[T any](ctx context.Context, orgID *string, orgScoped, globalScoped Query[T]) (*T, error) {
	row, err := orgScoped(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	if orgID == nil {
		return nil, nil
	}

	return globalScoped(ctx, nil)
}
