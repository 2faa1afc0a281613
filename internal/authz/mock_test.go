package authz

import (
	"context"
	"sync"
	"time"
)

// memoryRepository is a map backed Repository. WithTx snapshots state
// and restores it when fn fails, mirroring a rollback.
type memoryRepository struct {
	mu        sync.Mutex
	roles     map[int64]Role
	perms     []RolePermission
	users     map[int64]AffectedUser
	userRoles map[int64]int64
	lifecycle []RoleLifecycleLog

	nextPermID int64

	getRoleErr   error
	findErr      error
	statusErr    error
	lifecycleErr error

	createCalls     int
	failCreateAfter int
	createErr       error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		roles:     make(map[int64]Role),
		users:     make(map[int64]AffectedUser),
		userRoles: make(map[int64]int64),
	}
}

func (r *memoryRepository) addRole(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role
}

func (r *memoryRepository) addUser(u AffectedUser, roleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	r.userRoles[u.ID] = roleID
}

func (r *memoryRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getRoleErr != nil {
		return nil, r.getRoleErr
	}
	role, ok := r.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	cp := role
	return &cp, nil
}

func (r *memoryRepository) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if NormalizeRoleName(role.Name) == NormalizeRoleName(name) {
			cp := role
			return &cp, nil
		}
	}
	return nil, ErrRoleNotFound
}

func (r *memoryRepository) FindPermission(ctx context.Context, roleID int64, module, submodule, action string) (*RolePermission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, rp := range r.perms {
		if rp.RoleID == roleID && rp.Module == module && rp.Submodule == submodule && rp.Action == action {
			cp := rp
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryRepository) CreatePermission(ctx context.Context, rp RolePermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.createCalls++
	if r.failCreateAfter > 0 && r.createCalls > r.failCreateAfter {
		return errTestStore
	}
	for _, existing := range r.perms {
		if existing.RoleID == rp.RoleID && existing.Module == rp.Module && existing.Submodule == rp.Submodule && existing.Action == rp.Action {
			return ErrDuplicatePermission
		}
	}
	r.nextPermID++
	rp.ID = r.nextPermID
	rp.CreatedAt = time.Now().UTC()
	rp.UpdatedAt = rp.CreatedAt
	r.perms = append(r.perms, rp)
	return nil
}

func (r *memoryRepository) SetPermissionGranted(ctx context.Context, id int64, granted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.perms {
		if r.perms[i].ID == id {
			r.perms[i].Granted = granted
			r.perms[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrRoleNotFound
}

func (r *memoryRepository) UpdateRoleStatus(ctx context.Context, roleID int64, status RoleStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return r.statusErr
	}
	role, ok := r.roles[roleID]
	if !ok {
		return ErrRoleNotFound
	}
	role.Status = status
	r.roles[roleID] = role
	return nil
}

func (r *memoryRepository) InsertLifecycleLog(ctx context.Context, rec RoleLifecycleLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lifecycleErr != nil {
		return r.lifecycleErr
	}
	r.lifecycle = append(r.lifecycle, rec)
	return nil
}

func (r *memoryRepository) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RolePermission
	for _, rp := range r.perms {
		if rp.RoleID == roleID {
			out = append(out, rp)
		}
	}
	return out, nil
}

func (r *memoryRepository) CountRolePermissions(ctx context.Context, roleID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, rp := range r.perms {
		if rp.RoleID == roleID {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepository) CountUsersWithRole(ctx context.Context, roleID int64) (int, error) {
	users, _ := r.ListUsersWithRole(ctx, roleID)
	return len(users), nil
}

func (r *memoryRepository) ListUsersWithRole(ctx context.Context, roleID int64) ([]AffectedUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AffectedUser
	for userID, rid := range r.userRoles {
		if rid == roleID {
			out = append(out, r.users[userID])
		}
	}
	return out, nil
}

func (r *memoryRepository) GetUserRoleID(ctx context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roleID, ok := r.userRoles[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return roleID, nil
}

func (r *memoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	permsSnap := append([]RolePermission(nil), r.perms...)
	rolesSnap := make(map[int64]Role, len(r.roles))
	for id, role := range r.roles {
		rolesSnap[id] = role
	}
	lifecycleSnap := append([]RoleLifecycleLog(nil), r.lifecycle...)
	r.mu.Unlock()

	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.perms = permsSnap
		r.roles = rolesSnap
		r.lifecycle = lifecycleSnap
		r.mu.Unlock()
		return err
	}
	return nil
}

var _ Repository = (*memoryRepository)(nil)

var errTestStore = &testStoreError{}

type testStoreError struct{}

func (*testStoreError) Error() string { return "store exploded" }

// memoryAudit is a map backed AuditLogger.
type memoryAudit struct {
	mu          sync.Mutex
	changes     []PermissionChangeLog
	actions     []ActionLog
	lastAllowed map[string]ActionLog

	failChanges bool
	failActions bool
}

func newMemoryAudit() *memoryAudit {
	return &memoryAudit{lastAllowed: make(map[string]ActionLog)}
}

func (a *memoryAudit) RecordPermissionChange(ctx context.Context, rec PermissionChangeLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failChanges {
		return errTestStore
	}
	a.changes = append(a.changes, rec)
	return nil
}

func (a *memoryAudit) RecordAction(ctx context.Context, rec ActionLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failActions {
		return errTestStore
	}
	a.actions = append(a.actions, rec)
	return nil
}

func (a *memoryAudit) LastAllowedAction(ctx context.Context, roleID int64, path string) (*ActionLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.lastAllowed[cacheKey(roleID, path)]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

var _ AuditLogger = (*memoryAudit)(nil)

// newTestChecker wires a checker over fresh in-memory collaborators.
func newTestChecker(repo *memoryRepository, audit *memoryAudit) *Checker {
	return NewChecker(repo, NewDecisionCache(0, 0), DefaultCatalog(), audit, nil, nil)
}

func activeRole(id int64, name string) Role {
	return Role{ID: id, Name: name, Status: StatusActive, Category: CategoryStaff}
}
