package authz

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// MigrationActor marks grants materialized by the legacy conversion.
const MigrationActor = "system:migration"

// CompatResolver converts a role's legacy free-form permission strings
// into explicit rows exactly once. After any explicit row exists the
// legacy array is never consulted again for that role.
type CompatResolver struct {
	checker        *Checker
	catalog        *Catalog
	logger         *slog.Logger
	viewSubmodules []string

	// group deduplicates in-flight conversions per role. Forget happens
	// inside Do's own completion handling, so a failed conversion never
	// leaves later callers awaiting a dead handle.
	group singleflight.Group
}

// NewCompatResolver constructs a resolver. viewSubmodules overrides the
// common-submodule heuristic; nil keeps the default list.
func NewCompatResolver(checker *Checker, logger *slog.Logger, viewSubmodules []string) *CompatResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if viewSubmodules == nil {
		viewSubmodules = DefaultCommonViewSubmodules
	}
	return &CompatResolver{
		checker:        checker,
		catalog:        checker.Catalog(),
		logger:         logger,
		viewSubmodules: viewSubmodules,
	}
}

// ResolveRole loads the role and resolves its effective paths from
// whatever format it is on.
func (r *CompatResolver) ResolveRole(ctx context.Context, roleID int64) ([]string, error) {
	role, err := r.checker.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return r.ResolveRolePermissions(ctx, roleID, role.LegacyPermissions)
}

// ResolveRolePermissions returns the role's effective explicit paths,
// converting the legacy strings first when the role has no explicit rows
// yet. Concurrent first-time callers share a single conversion.
func (r *CompatResolver) ResolveRolePermissions(ctx context.Context, roleID int64, legacy []string) ([]string, error) {
	migrated, err := r.checker.HasExplicitPermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if migrated {
		return r.grantedPaths(ctx, roleID)
	}

	key := strconv.FormatInt(roleID, 10)
	resultChan := r.group.DoChan(key, func() (any, error) {
		return r.convert(ctx, roleID, legacy)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

// convert runs under the singleflight lock for the role.
func (r *CompatResolver) convert(ctx context.Context, roleID int64, legacy []string) ([]string, error) {
	// Check-then-act must be race safe: a conversion that finished
	// between the caller's check and this lock acquisition wins.
	migrated, err := r.checker.HasExplicitPermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if migrated {
		return r.grantedPaths(ctx, roleID)
	}

	targets := r.expandLegacy(legacy)
	for _, path := range targets {
		parsed := ParsePath(path)
		if parsed == nil {
			continue
		}
		if err := r.checker.materializeGrant(ctx, roleID, *parsed, MigrationActor); err != nil {
			return nil, err
		}
	}
	r.checker.cache.InvalidateRole(roleID)
	r.logger.Info("legacy permissions converted",
		slog.Int64("role_id", roleID),
		slog.Int("legacy_count", len(legacy)),
		slog.Int("granted_count", len(targets)))
	return r.grantedPaths(ctx, roleID)
}

// expandLegacy maps the legacy strings onto catalog paths. Unknown
// shapes and paths outside the catalog are skipped, never guessed.
func (r *CompatResolver) expandLegacy(legacy []string) []string {
	set := make(map[string]struct{})
	add := func(path string) {
		if r.catalog.Contains(path) {
			set[path] = struct{}{}
		}
	}
	for _, raw := range legacy {
		raw = strings.TrimSpace(raw)
		if raw == LegacyWildcard {
			// Wildcard sentinel: the whole catalog.
			return r.catalog.Paths()
		}
		parts := strings.Split(raw, ".")
		switch len(parts) {
		case 2:
			if parts[1] == LegacyWildcard {
				// module.* meant the standard action set.
				for _, action := range StandardActions {
					add(FormatPath(parts[0], "", action))
				}
				continue
			}
			add(FormatPath(parts[0], "", parts[1]))
			if parts[1] == "view" {
				// Pre-migration module.view implied viewing the
				// module's common submodules as well.
				for _, sub := range r.viewSubmodules {
					add(FormatPath(parts[0], sub, "view"))
				}
			}
		case 3:
			add(FormatPath(parts[0], parts[1], parts[2]))
		default:
			r.logger.Warn("unrecognized legacy permission", slog.String("value", raw))
		}
	}
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (r *CompatResolver) grantedPaths(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.checker.ListExplicitPermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(rows))
	for _, rp := range rows {
		if rp.Granted {
			paths = append(paths, rp.Path())
		}
	}
	sort.Strings(paths)
	return paths, nil
}
