package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(repo *memoryRepository) (*Governor, *Checker) {
	checker := newTestChecker(repo, newMemoryAudit())
	return NewGovernor(repo, checker, checker.cache, nil), checker
}

func TestNormalizeRoleName(t *testing.T) {
	for _, name := range []string{"admin", "Admin", "ADMIN", "AdMiN", "  admin  "} {
		assert.Equal(t, "admin", NormalizeRoleName(name), name)
	}
	assert.NotEqual(t, "admin", NormalizeRoleName("administrator"))
}

func TestIsSystemRole(t *testing.T) {
	assert.True(t, IsSystemRole(&Role{Name: "anything", Status: StatusSystemLocked}))
	assert.True(t, IsSystemRole(&Role{Name: "janitor", Status: StatusActive, Category: CategorySystem}))
	assert.True(t, IsSystemRole(&Role{Name: "ADMIN", Status: StatusActive, Category: CategoryStaff}))
	assert.False(t, IsSystemRole(&Role{Name: "staff", Status: StatusActive, Category: CategoryStaff}))
	assert.False(t, IsSystemRole(nil))
}

func TestDeactivateWritesOneLifecycleRecord(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	governor, _ := newTestGovernor(repo)

	require.NoError(t, governor.Deactivate(ctx, 1, "team disbanded", "admin@haven"))

	role, err := repo.GetRole(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDeactivated, role.Status)

	require.Len(t, repo.lifecycle, 1)
	rec := repo.lifecycle[0]
	assert.Equal(t, StatusActive, rec.PrevStatus)
	assert.Equal(t, StatusDeactivated, rec.NewStatus)
	assert.Equal(t, "team disbanded", rec.Reason)
	assert.Equal(t, "admin@haven", rec.ActorID)
}

func TestDeactivateBlockedByAssignedUsers(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	repo.addUser(AffectedUser{ID: 7, Email: "lee@haven.test", Name: "Lee"}, 1)
	governor, _ := newTestGovernor(repo)

	err := governor.Deactivate(ctx, 1, "cleanup", "admin@haven")
	var blocked *DeactivationBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.AffectedUsers, 1)
	assert.Equal(t, int64(7), blocked.AffectedUsers[0].ID)

	role, err := repo.GetRole(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, role.Status, "blocked deactivation must not transition")
	assert.Empty(t, repo.lifecycle)
}

func TestDeactivateSystemRolesRefused(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "Admin", Status: StatusActive, Category: CategoryAdmin})
	repo.addRole(Role{ID: 2, Name: "locked", Status: StatusSystemLocked, Category: CategoryStaff})
	governor, _ := newTestGovernor(repo)

	assert.ErrorIs(t, governor.Deactivate(ctx, 1, "nope", "admin@haven"), ErrSystemRoleImmutable)
	assert.ErrorIs(t, governor.Deactivate(ctx, 2, "nope", "admin@haven"), ErrSystemRoleImmutable)
}

func TestDeactivateAlreadyDeactivated(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "staff", Status: StatusDeactivated, Category: CategoryStaff})
	governor, _ := newTestGovernor(repo)

	assert.ErrorIs(t, governor.Deactivate(ctx, 1, "again", "admin@haven"), ErrAlreadyDeactivated)
}

func TestDeactivateAuditFailureRollsBackStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	repo.lifecycleErr = errTestStore
	governor, _ := newTestGovernor(repo)

	err := governor.Deactivate(ctx, 1, "cleanup", "admin@haven")
	require.Error(t, err)

	role, err := repo.GetRole(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, role.Status, "status flip and audit record commit together or not at all")
}

func TestBootstrapLocksAdminAndMaterializesCatalog(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "Admin", Status: StatusActive, Category: CategoryAdmin})
	governor, checker := newTestGovernor(repo)

	require.NoError(t, governor.Bootstrap(ctx))

	role, err := repo.GetRole(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSystemLocked, role.Status)

	count, err := repo.CountRolePermissions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, checker.Catalog().Size(), count)

	require.Len(t, repo.lifecycle, 1)
	assert.Equal(t, BootstrapActor, repo.lifecycle[0].ActorID)

	// Admin access is ordinary rows through the shared grant path, so a
	// check sees a real grant, not a name-based bypass.
	decision := checker.CheckPermission(ctx, 1, "audit.logs.view")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonGranted, decision.Reason)
}

func TestBootstrapIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "admin", Status: StatusActive, Category: CategoryAdmin})
	governor, checker := newTestGovernor(repo)

	require.NoError(t, governor.Bootstrap(ctx))
	require.NoError(t, governor.Bootstrap(ctx))

	count, err := repo.CountRolePermissions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, checker.Catalog().Size(), count, "second run must not duplicate grants")
	assert.Len(t, repo.lifecycle, 1, "already locked admin needs no second record")
}

func TestBootstrapMissingAdminIsNoop(t *testing.T) {
	repo := newMemoryRepository()
	governor, _ := newTestGovernor(repo)
	assert.NoError(t, governor.Bootstrap(context.Background()))
}

func TestBootstrapKeepsExistingAdminRows(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "admin", Status: StatusSystemLocked, Category: CategoryAdmin})
	governor, _ := newTestGovernor(repo)
	require.NoError(t, repo.CreatePermission(ctx, RolePermission{RoleID: 1, Module: "finance", Action: "view", Granted: true, CreatedBy: "seed"}))

	require.NoError(t, governor.Bootstrap(ctx))

	count, err := repo.CountRolePermissions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "existing rows mean no re-materialization")
}
