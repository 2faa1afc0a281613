package users

import (
	"errors"
	"fmt"
	"time"
)

// User represents a platform account. A user holds exactly one role.
type User struct {
	ID        int64
	Email     string
	Name      string
	RoleID    int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound indicates the user does not exist.
var ErrNotFound = errors.New("users: not found")

// EquivalentRoleError refuses a reassignment between two roles whose
// permission surfaces are effectively the same: moving a user to a
// relabeled clone is privilege retention, not a reassignment.
type EquivalentRoleError struct {
	FromRoleID int64
	ToRoleID   int64
	Similarity float64
}

func (e *EquivalentRoleError) Error() string {
	return fmt.Sprintf("users: roles %d and %d are equivalent (similarity %.3f)", e.FromRoleID, e.ToRoleID, e.Similarity)
}

// Code returns the stable refusal code surfaced to administrators.
func (e *EquivalentRoleError) Code() string { return "EQUIVALENT_ROLE_REASSIGNMENT" }
