package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
)

// AdminRoleName is the reserved role whose lifecycle and permissions are
// immutable.
const AdminRoleName = "admin"

// BootstrapActor marks changes made by the startup invariant
// enforcement.
const BootstrapActor = "system:bootstrap"

var roleNameFolder = cases.Fold()

// NormalizeRoleName case-folds and trims a role name for comparisons, so
// "Admin", "ADMIN" and their Unicode variants all normalize to "admin".
func NormalizeRoleName(name string) string {
	return roleNameFolder.String(strings.TrimSpace(name))
}

// IsSystemRole reports whether the role is off limits to administrative
// mutation: SYSTEM_LOCKED status, the SYSTEM category, or a name that
// normalizes to admin regardless of what the status column says.
func IsSystemRole(role *Role) bool {
	if role == nil {
		return false
	}
	return role.Status == StatusSystemLocked ||
		role.Category == CategorySystem ||
		NormalizeRoleName(role.Name) == AdminRoleName
}

// Governor enforces the role lifecycle state machine. ACTIVE moves to
// DEACTIVATED one way through this API; SYSTEM_LOCKED never transitions.
type Governor struct {
	repo    Repository
	checker *Checker
	cache   *DecisionCache
	logger  *slog.Logger
}

// NewGovernor constructs the lifecycle governor.
func NewGovernor(repo Repository, checker *Checker, cache *DecisionCache, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{repo: repo, checker: checker, cache: cache, logger: logger}
}

// Deactivate transitions the role to DEACTIVATED. Refusals are hard:
// system roles never deactivate, and any user still holding the role
// blocks the transition with no force flag. The status flip and its
// lifecycle record commit in one transaction, so a failed audit write
// means the transition did not happen.
func (g *Governor) Deactivate(ctx context.Context, roleID int64, reason, actorID string) error {
	role, err := g.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if IsSystemRole(role) {
		return fmt.Errorf("%w: %s", ErrSystemRoleImmutable, role.Name)
	}
	if role.Status == StatusDeactivated {
		return ErrAlreadyDeactivated
	}

	affected, err := g.repo.ListUsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	if len(affected) > 0 {
		return &DeactivationBlockedError{RoleID: roleID, AffectedUsers: affected}
	}

	err = g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateRoleStatus(ctx, roleID, StatusDeactivated); err != nil {
			return err
		}
		return tx.InsertLifecycleLog(ctx, RoleLifecycleLog{
			ActorID:       actorID,
			RoleID:        roleID,
			PrevStatus:    role.Status,
			NewStatus:     StatusDeactivated,
			AffectedUsers: []AffectedUser{},
			Reason:        reason,
		})
	})
	if err != nil {
		return err
	}

	g.cache.InvalidateRole(roleID)
	g.logger.Info("role deactivated",
		slog.Int64("role_id", roleID),
		slog.String("actor", actorID),
		slog.String("reason", reason))
	return nil
}

// Bootstrap enforces the startup invariants for the admin role: force
// the status to SYSTEM_LOCKED and materialize the full catalog when no
// explicit rows exist. Idempotent and safe to run on every start. Admin
// access is ordinary rows created through the shared grant path, never a
// name-based bypass, so inspection and comparison see the same state for
// admin as for any role.
func (g *Governor) Bootstrap(ctx context.Context) error {
	role, err := g.repo.GetRoleByName(ctx, AdminRoleName)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			g.logger.Warn("admin role missing, bootstrap skipped")
			return nil
		}
		return err
	}

	if role.Status != StatusSystemLocked {
		err = g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.UpdateRoleStatus(ctx, role.ID, StatusSystemLocked); err != nil {
				return err
			}
			return tx.InsertLifecycleLog(ctx, RoleLifecycleLog{
				ActorID:       BootstrapActor,
				RoleID:        role.ID,
				PrevStatus:    role.Status,
				NewStatus:     StatusSystemLocked,
				AffectedUsers: []AffectedUser{},
				Reason:        "startup invariant enforcement",
			})
		})
		if err != nil {
			return fmt.Errorf("authz: lock admin role: %w", err)
		}
		g.logger.Info("admin role corrected to SYSTEM_LOCKED",
			slog.String("previous_status", string(role.Status)))
	}

	count, err := g.repo.CountRolePermissions(ctx, role.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		for _, path := range g.checker.Catalog().Paths() {
			parsed := ParsePath(path)
			if parsed == nil {
				continue
			}
			if err := g.checker.materializeGrant(ctx, role.ID, *parsed, BootstrapActor); err != nil {
				return fmt.Errorf("authz: materialize admin grants: %w", err)
			}
		}
		g.logger.Info("admin role granted full catalog",
			slog.Int("path_count", g.checker.Catalog().Size()))
	}

	g.cache.InvalidateRole(role.ID)
	return nil
}
