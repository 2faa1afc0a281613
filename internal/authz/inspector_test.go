package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findEntry(t *testing.T, result *InspectionResult, path string) InspectedPermission {
	t.Helper()
	for _, entry := range result.Permissions {
		if entry.Path == path {
			return entry
		}
	}
	t.Fatalf("path %s not in inspection result", path)
	return InspectedPermission{}
}

func TestInspectRoleClassificationPrecedence(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)

	require.NoError(t, checker.GrantPermission(ctx, 1, "finance", "transactions", "view", "admin@haven"))
	require.NoError(t, checker.RevokePermission(ctx, 1, "finance", "transactions", "delete", "admin@haven"))

	result, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)
	assert.Equal(t, EnforcementActive, result.Enforcement)
	assert.Equal(t, checker.Catalog().Size(), result.Total)
	assert.Equal(t, "auditor@haven", result.InspectorID)

	granted := findEntry(t, result, "finance.transactions.view")
	assert.True(t, granted.Allowed)
	assert.Equal(t, SourceExplicit, granted.Source)

	// Explicit deny wins even over the sensitive default, and the
	// tombstone is reported as explicit, not as an absence.
	denied := findEntry(t, result, "finance.transactions.delete")
	assert.False(t, denied.Allowed)
	assert.Equal(t, SourceExplicit, denied.Source)
	assert.Equal(t, "explicitly_revoked", denied.Reason)
	assert.True(t, denied.Sensitive)

	// Untouched sensitive path: default deny with the restricted reason.
	sensitive := findEntry(t, result, "audit.logs.view")
	assert.False(t, sensitive.Allowed)
	assert.Equal(t, SourceDenied, sensitive.Source)
	assert.Equal(t, ReasonSystemRestricted, sensitive.Reason)

	// Ordinary untouched path: plain deny-by-default.
	plain := findEntry(t, result, "dashboard.view")
	assert.False(t, plain.Allowed)
	assert.Equal(t, ReasonNoExplicitGrant, plain.Reason)

	assert.Equal(t, AccessRestricted, result.Summary)
}

func TestInspectRoleLegacyWildcard(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "legacy", Status: StatusActive, Category: CategoryStaff, LegacyPermissions: []string{"*"}})
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)

	result, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)
	assert.Equal(t, EnforcementCompatibility, result.Enforcement)
	assert.Equal(t, AccessFull, result.Summary)

	// Wildcard beats the sensitive default deny in the report, because
	// that is what the role would receive once converted.
	sensitive := findEntry(t, result, "audit.logs.view")
	assert.True(t, sensitive.Allowed)
	assert.Equal(t, SourceLegacy, sensitive.Source)
	assert.Equal(t, "legacy_wildcard", sensitive.Reason)
}

func TestInspectRoleAdminBlanket(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "admin", Status: StatusSystemLocked, Category: CategoryAdmin})
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)
	governor := NewGovernor(repo, checker, checker.cache, nil)
	require.NoError(t, governor.Bootstrap(ctx))

	result, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)
	assert.Equal(t, AccessFull, result.Summary)

	// Bootstrap materialized real rows, so every path reports as an
	// explicit grant rather than a blanket.
	entry := findEntry(t, result, "audit.logs.view")
	assert.True(t, entry.Allowed)
	assert.Equal(t, SourceExplicit, entry.Source)
}

func TestInspectRoleSensitiveLastUsed(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	audit := newMemoryAudit()
	used := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	audit.lastAllowed[cacheKey(1, "audit.logs.view")] = ActionLog{
		RoleID: 1, Path: "audit.logs.view", Result: ResultAllowed, At: used,
	}
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)

	result, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)

	entry := findEntry(t, result, "audit.logs.view")
	require.NotNil(t, entry.LastUsed)
	assert.Equal(t, used, *entry.LastUsed)

	never := findEntry(t, result, "users.credentials.reset")
	assert.Nil(t, never.LastUsed)

	insensitive := findEntry(t, result, "dashboard.view")
	assert.Nil(t, insensitive.LastUsed, "last-used is only looked up for sensitive paths")
}

func TestInspectRoleNeverMutates(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "legacy", Status: StatusActive, Category: CategoryStaff, LegacyPermissions: []string{"*"}})
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)

	_, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)

	count, err := repo.CountRolePermissions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "inspection must not trigger conversion")
	assert.Equal(t, 0, checker.cache.Len(), "inspection must not warm the decision cache")
	assert.Empty(t, audit.changes)
}

func TestInspectRoleSummaryPartial(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "manager"))
	checker := newTestChecker(repo, newMemoryAudit())
	inspector := NewInspector(checker, newMemoryAudit(), nil)

	paths := checker.Catalog().Paths()
	granted := 0
	for _, path := range paths {
		parsed := ParsePath(path)
		require.NotNil(t, parsed)
		require.NoError(t, checker.GrantPermission(ctx, 1, parsed.Module, parsed.Submodule, parsed.Action, "admin@haven"))
		granted++
		if granted*2 > len(paths)+1 {
			break
		}
	}

	result, err := inspector.InspectRole(ctx, 1, "auditor@haven")
	require.NoError(t, err)
	assert.Equal(t, AccessPartial, result.Summary)
}

func TestInspectUserResolvesRole(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	repo.addUser(AffectedUser{ID: 42, Email: "lee@haven.test", Name: "Lee"}, 1)
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	inspector := NewInspector(checker, audit, nil)

	result, err := inspector.InspectUser(ctx, 42, "auditor@haven")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RoleID)

	_, err = inspector.InspectUser(ctx, 99, "auditor@haven")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestInspectRoleNotFound(t *testing.T) {
	repo := newMemoryRepository()
	audit := newMemoryAudit()
	inspector := NewInspector(newTestChecker(repo, audit), audit, nil)

	_, err := inspector.InspectRole(context.Background(), 5, "auditor@haven")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}
