package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Checker owns permission decisions and every mutation of explicit
// grants. All administrative writes flow through it so cache
// invalidation and audit logging cannot be skipped.
type Checker struct {
	repo     Repository
	cache    *DecisionCache
	catalog  *Catalog
	audit    AuditLogger
	logger   *slog.Logger
	metrics  *Metrics
	validate *validator.Validate
}

// NewChecker constructs a Checker. Metrics may be nil.
func NewChecker(repo Repository, cache *DecisionCache, catalog *Catalog, audit AuditLogger, logger *slog.Logger, metrics *Metrics) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		repo:     repo,
		cache:    cache,
		catalog:  catalog,
		audit:    audit,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// Catalog exposes the permission catalog backing this checker.
func (c *Checker) Catalog() *Catalog { return c.catalog }

// AllAvailablePermissions returns the full module to path-list catalog.
// Pure and static per build.
func (c *Checker) AllAvailablePermissions() map[string][]string {
	return c.catalog.ByModule()
}

// CheckPermission decides whether the role may perform the permission
// path. Denials are ordinary results, never errors; on any store failure
// the check fails closed.
func (c *Checker) CheckPermission(ctx context.Context, roleID int64, path string) Decision {
	start := time.Now()
	defer func() {
		c.metrics.observeCheckDuration(time.Since(start).Seconds())
	}()
	if cached, ok := c.cache.Get(roleID, path); ok {
		c.metrics.observeCacheHit()
		c.metrics.observeDecision(cached)
		return cached
	}
	c.metrics.observeCacheMiss()
	decision := c.decide(ctx, roleID, path)
	c.metrics.observeDecision(decision)
	return decision
}

func (c *Checker) decide(ctx context.Context, roleID int64, path string) Decision {
	parsed := ParsePath(path)
	if parsed == nil {
		// Malformed paths are stable, so the negative is worth caching.
		return c.conclude(roleID, Decision{Reason: ReasonInvalidFormat, Path: path})
	}

	role, err := c.repo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return c.conclude(roleID, Decision{Reason: ReasonRoleNotFound, Path: path})
		}
		return c.failClosed(roleID, path, err)
	}
	if role.Status == StatusDeactivated {
		// Deactivation overrides any explicit grant row.
		return c.conclude(roleID, Decision{Reason: ReasonRoleDeactivated, Path: path})
	}

	rp, err := c.repo.FindPermission(ctx, roleID, parsed.Module, parsed.Submodule, parsed.Action)
	if err != nil {
		return c.failClosed(roleID, path, err)
	}
	if rp != nil && rp.Granted {
		return c.conclude(roleID, Decision{Allowed: true, Reason: ReasonGranted, Path: path})
	}
	return c.conclude(roleID, Decision{Reason: ReasonNoExplicitGrant, Path: path})
}

func (c *Checker) conclude(roleID int64, d Decision) Decision {
	c.cache.Set(roleID, d.Path, d.Allowed, d.Reason)
	return d
}

// failClosed denies without caching: store failures are transient and
// must not pin a denial for the TTL.
func (c *Checker) failClosed(roleID int64, path string, err error) Decision {
	c.logger.Error("permission check store failure",
		slog.Int64("role_id", roleID),
		slog.String("path", path),
		slog.Any("error", err))
	return Decision{Reason: ReasonStoreUnavailable, Path: path}
}

// CheckAnyPermission returns the first allowed decision among paths,
// short-circuiting; when none allows, the last denial is returned.
func (c *Checker) CheckAnyPermission(ctx context.Context, roleID int64, paths []string) Decision {
	last := Decision{Reason: ReasonNoExplicitGrant}
	for _, path := range paths {
		last = c.CheckPermission(ctx, roleID, path)
		if last.Allowed {
			return last
		}
	}
	return last
}

// CheckAndRecord runs a check gating a real action and appends the
// outcome to the action audit log. Log failures never flip a decision.
func (c *Checker) CheckAndRecord(ctx context.Context, userID, roleID int64, path, action, entityRef string) Decision {
	decision := c.CheckPermission(ctx, roleID, path)
	result := ResultDenied
	if decision.Allowed {
		result = ResultAllowed
	}
	if err := c.audit.RecordAction(ctx, ActionLog{
		UserID:    userID,
		RoleID:    roleID,
		Path:      path,
		Action:    action,
		EntityRef: entityRef,
		Result:    result,
	}); err != nil {
		c.logger.Warn("action audit write failed", slog.Any("error", err))
	}
	return decision
}

// GrantPermission records an explicit grant for the role. The underlying
// upsert is find-then-create because the uniqueness constraint spans the
// nullable submodule column.
func (c *Checker) GrantPermission(ctx context.Context, roleID int64, module, submodule, action, actorID string) error {
	return c.changePermission(ctx, roleID, module, submodule, action, actorID, true, ChangeGrant)
}

// RevokePermission tombstones a grant. A missing row becomes an explicit
// granted=false row so the denial is auditable rather than implicit.
func (c *Checker) RevokePermission(ctx context.Context, roleID int64, module, submodule, action, actorID string) error {
	return c.changePermission(ctx, roleID, module, submodule, action, actorID, false, ChangeRevoke)
}

func (c *Checker) changePermission(ctx context.Context, roleID int64, module, submodule, action, actorID string, granted bool, changeType string) error {
	path := FormatPath(module, submodule, action)
	if ParsePath(path) == nil {
		return fmt.Errorf("authz: invalid permission %q", path)
	}
	if !c.catalog.Contains(path) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, path)
	}
	role, err := c.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if IsSystemRole(role) {
		return fmt.Errorf("%w: %s", ErrSystemRoleImmutable, role.Name)
	}

	oldGranted, err := c.applyChange(ctx, c.repo, roleID, module, submodule, action, actorID, granted)
	if err != nil {
		return err
	}
	c.cache.InvalidateRole(roleID)
	c.recordChange(ctx, PermissionChangeLog{
		ActorID:    actorID,
		RoleID:     roleID,
		Path:       path,
		OldGranted: oldGranted,
		NewGranted: granted,
		ChangeType: changeType,
	})
	return nil
}

// applyChange performs the find-then-create-or-flip upsert against the
// given repository (pool or transaction) and returns the previous value,
// nil when no row existed.
func (c *Checker) applyChange(ctx context.Context, repo TxRepository, roleID int64, module, submodule, action, actorID string, granted bool) (*bool, error) {
	existing, err := repo.FindPermission(ctx, roleID, module, submodule, action)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		err = repo.CreatePermission(ctx, RolePermission{
			RoleID:    roleID,
			Module:    module,
			Submodule: submodule,
			Action:    action,
			Granted:   granted,
			CreatedBy: actorID,
		})
		if errors.Is(err, ErrDuplicatePermission) {
			// Lost a create race; the row exists now, flip it instead.
			existing, err = repo.FindPermission(ctx, roleID, module, submodule, action)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, ErrDuplicatePermission
			}
		} else if err != nil {
			return nil, err
		} else {
			return nil, nil
		}
	}
	old := existing.Granted
	if existing.Granted == granted {
		return &old, nil
	}
	if err := repo.SetPermissionGranted(ctx, existing.ID, granted); err != nil {
		return nil, err
	}
	return &old, nil
}

// materializeGrant is the internal grant primitive used by the
// compatibility resolver and the startup bootstrap. It bypasses the
// system-role guard but shares the exact upsert, so every grant in the
// system is an ordinary auditable row.
func (c *Checker) materializeGrant(ctx context.Context, roleID int64, path PermissionPath, actorID string) error {
	if !c.catalog.Contains(path.String()) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, path)
	}
	_, err := c.applyChange(ctx, c.repo, roleID, path.Module, path.Submodule, path.Action, actorID, true)
	return err
}

// BulkUpdatePermissions applies every change inside one transaction;
// any failure aborts the whole batch and reports the offending item.
// The cache is invalidated once, after commit.
func (c *Checker) BulkUpdatePermissions(ctx context.Context, roleID int64, changes []PermissionChange, actorID string) error {
	role, err := c.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if IsSystemRole(role) {
		return fmt.Errorf("%w: %s", ErrSystemRoleImmutable, role.Name)
	}
	// Validate the whole batch before touching the store.
	for i, change := range changes {
		if err := c.validate.Struct(change); err != nil {
			return &BulkUpdateError{Index: i, Path: change.Path(), Err: err}
		}
		if !c.catalog.Contains(change.Path()) {
			return &BulkUpdateError{Index: i, Path: change.Path(), Err: ErrUnknownPermission}
		}
	}

	olds := make([]*bool, len(changes))
	err = c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, change := range changes {
			old, err := c.applyChange(ctx, tx, roleID, change.Module, change.Submodule, change.Action, actorID, change.Granted)
			if err != nil {
				return &BulkUpdateError{Index: i, Path: change.Path(), Err: err}
			}
			olds[i] = old
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.cache.InvalidateRole(roleID)
	for i, change := range changes {
		c.recordChange(ctx, PermissionChangeLog{
			ActorID:    actorID,
			RoleID:     roleID,
			Path:       change.Path(),
			OldGranted: olds[i],
			NewGranted: change.Granted,
			ChangeType: ChangeBulkUpdate,
			Context:    map[string]any{"batch_size": len(changes)},
		})
	}
	return nil
}

// recordChange appends a routine permission-change record. Failures are
// logged and swallowed: a logging outage must not block an otherwise
// legitimate permission change.
func (c *Checker) recordChange(ctx context.Context, rec PermissionChangeLog) {
	if err := c.audit.RecordPermissionChange(ctx, rec); err != nil {
		c.logger.Warn("permission audit write failed",
			slog.String("path", rec.Path),
			slog.Int64("role_id", rec.RoleID),
			slog.Any("error", err))
	}
}

// ListExplicitPermissions returns every explicit row for the role.
func (c *Checker) ListExplicitPermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	return c.repo.ListRolePermissions(ctx, roleID)
}

// HasExplicitPermissions reports whether the role left compatibility
// mode: any explicit row means the legacy array is never consulted.
func (c *Checker) HasExplicitPermissions(ctx context.Context, roleID int64) (bool, error) {
	count, err := c.repo.CountRolePermissions(ctx, roleID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
