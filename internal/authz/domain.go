package authz

import (
	"errors"
	"fmt"
	"time"
)

// RoleStatus is the lifecycle state of a role.
type RoleStatus string

const (
	// StatusActive marks a role usable for checks and administration.
	StatusActive RoleStatus = "ACTIVE"
	// StatusDeactivated marks a role denied for every check regardless
	// of stored grants.
	StatusDeactivated RoleStatus = "DEACTIVATED"
	// StatusSystemLocked marks a role whose permissions and lifecycle
	// are immutable by any administrative API.
	StatusSystemLocked RoleStatus = "SYSTEM_LOCKED"
)

// RoleCategory groups roles by their place in the platform. Assigned at
// creation and never transitions.
type RoleCategory string

const (
	CategoryAdmin  RoleCategory = "ADMIN"
	CategoryDealer RoleCategory = "DEALER"
	CategoryStaff  RoleCategory = "STAFF"
	CategoryTenant RoleCategory = "TENANT"
	CategorySystem RoleCategory = "SYSTEM"
)

// Role is an access grouping assigned to exactly one user at a time.
type Role struct {
	ID                int64
	Name              string
	Status            RoleStatus
	Category          RoleCategory
	LegacyPermissions []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RolePermission is one explicit grant (or tombstoned revocation) of a
// permission path to a role. Rows are never deleted; revocation flips
// Granted to false so history stays reconstructible.
type RolePermission struct {
	ID        int64
	RoleID    int64
	Module    string
	Submodule string
	Action    string
	Granted   bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Path returns the canonical permission path of the row.
func (rp RolePermission) Path() string {
	return FormatPath(rp.Module, rp.Submodule, rp.Action)
}

// Decision reason codes. Denials are values, never errors.
const (
	ReasonGranted          = "granted"
	ReasonInvalidFormat    = "invalid_format"
	ReasonRoleNotFound     = "role_not_found"
	ReasonRoleDeactivated  = "role_deactivated"
	ReasonNoExplicitGrant  = "no_explicit_permission"
	ReasonSystemRestricted = "system_restricted"
	ReasonStoreUnavailable = "store_unavailable"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Path    string `json:"path"`
}

// PermissionChange is one entry of a bulk permission update.
type PermissionChange struct {
	Module    string `json:"module" validate:"required,lowercase,alphanum,max=64"`
	Submodule string `json:"submodule,omitempty" validate:"omitempty,lowercase,alphanum,max=64"`
	Action    string `json:"action" validate:"required,lowercase,alphanum,max=64"`
	Granted   bool   `json:"granted"`
}

// Path returns the canonical path of the change.
func (c PermissionChange) Path() string {
	return FormatPath(c.Module, c.Submodule, c.Action)
}

// Sentinel errors shared by the engine.
var (
	// ErrRoleNotFound indicates the role does not exist.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrSystemRoleImmutable refuses any mutation of a SYSTEM_LOCKED
	// role or a role whose name normalizes to admin.
	ErrSystemRoleImmutable = errors.New("authz: cannot modify system role")
	// ErrAlreadyDeactivated refuses a repeated deactivation.
	ErrAlreadyDeactivated = errors.New("authz: role already deactivated")
	// ErrUnknownPermission refuses a grant outside the catalog.
	ErrUnknownPermission = errors.New("authz: permission not in catalog")
)

// DeactivationBlockedError is the governance refusal returned when users
// still hold the role. It carries the affected users so the caller can
// reassign them first; there is deliberately no force flag.
type DeactivationBlockedError struct {
	RoleID        int64
	AffectedUsers []AffectedUser
}

// AffectedUser is the snapshot of one user blocking a deactivation.
type AffectedUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (e *DeactivationBlockedError) Error() string {
	return fmt.Sprintf("authz: role %d deactivation blocked by %d assigned user(s)", e.RoleID, len(e.AffectedUsers))
}

// Code returns the stable refusal code surfaced to administrators.
func (e *DeactivationBlockedError) Code() string { return "ROLE_DEACTIVATION_BLOCKED" }

// BulkUpdateError reports which change of a bulk update failed. The whole
// transaction is rolled back, so no sibling change is applied either.
type BulkUpdateError struct {
	Index int
	Path  string
	Err   error
}

func (e *BulkUpdateError) Error() string {
	return fmt.Sprintf("authz: bulk update item %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *BulkUpdateError) Unwrap() error { return e.Err }
