package users

import (
	"context"
	"log/slog"

	"github.com/haven-pm/haven/internal/authz"
)

// RoleComparator is the slice of the authorization engine the service
// needs to judge reassignments.
type RoleComparator interface {
	AreEquivalent(ctx context.Context, fromRoleID, toRoleID int64) (bool, float64, error)
	Delta(ctx context.Context, fromRoleID, toRoleID int64) (authz.FingerprintDelta, error)
}

// Service handles user business logic.
type Service struct {
	repo       RepositoryPort
	comparator RoleComparator
	logger     *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, comparator RoleComparator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, comparator: comparator, logger: logger}
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// ReassignRole moves the user to a different role. A target role whose
// permission surface is equivalent to the current one is refused: such
// a move changes the label but not the access, which defeats the point
// of reassigning a user off a role (for example ahead of deactivation).
func (s *Service) ReassignRole(ctx context.Context, userID, toRoleID int64) error {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.RoleID == toRoleID {
		return &EquivalentRoleError{FromRoleID: user.RoleID, ToRoleID: toRoleID, Similarity: 1.0}
	}
	equivalent, score, err := s.comparator.AreEquivalent(ctx, user.RoleID, toRoleID)
	if err != nil {
		return err
	}
	if equivalent {
		return &EquivalentRoleError{FromRoleID: user.RoleID, ToRoleID: toRoleID, Similarity: score}
	}
	if err := s.repo.UpdateUserRole(ctx, userID, toRoleID); err != nil {
		return err
	}
	s.logger.Info("user reassigned",
		slog.Int64("user_id", userID),
		slog.Int64("from_role", user.RoleID),
		slog.Int64("to_role", toRoleID),
		slog.Float64("similarity", score))
	return nil
}

// ReassignmentPreview returns the permission delta a reassignment would
// produce, for the audit UI.
func (s *Service) ReassignmentPreview(ctx context.Context, userID, toRoleID int64) (authz.FingerprintDelta, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return authz.FingerprintDelta{}, err
	}
	return s.comparator.Delta(ctx, user.RoleID, toRoleID)
}
