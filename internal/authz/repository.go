package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haven-pm/haven/internal/platform/db"
)

// ErrDuplicatePermission signals a concurrent insert of the same
// (role, module, submodule, action) row.
var ErrDuplicatePermission = errors.New("authz: duplicate permission row")

// TxRepository exposes the mutations that participate in transactions.
type TxRepository interface {
	FindPermission(ctx context.Context, roleID int64, module, submodule, action string) (*RolePermission, error)
	CreatePermission(ctx context.Context, rp RolePermission) error
	SetPermissionGranted(ctx context.Context, id int64, granted bool) error
	UpdateRoleStatus(ctx context.Context, roleID int64, status RoleStatus) error
	InsertLifecycleLog(ctx context.Context, rec RoleLifecycleLog) error
}

// Repository defines persistence for the authorization engine.
type Repository interface {
	TxRepository

	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
	CountRolePermissions(ctx context.Context, roleID int64) (int, error)
	CountUsersWithRole(ctx context.Context, roleID int64) (int, error)
	ListUsersWithRole(ctx context.Context, roleID int64) ([]AffectedUser, error)
	GetUserRoleID(ctx context.Context, userID int64) (int64, error)

	// WithTx runs fn inside one transaction; fn's error rolls back
	// every mutation made through the passed TxRepository.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
	pgQueries
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, pgQueries: pgQueries{db: pool}}
}

// WithTx executes fn within a RepeatableRead transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgQueries{db: tx})
	})
}

// pgQueries holds the statements shared by the pool and tx variants.
type pgQueries struct {
	db pgQuerier
}

func (q *pgQueries) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := q.db.QueryRow(ctx, `SELECT id, name, status, category, legacy_permissions, created_at, updated_at FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

func (q *pgQueries) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := q.db.QueryRow(ctx, `SELECT id, name, status, category, legacy_permissions, created_at, updated_at FROM roles WHERE lower(name) = lower($1)`, name)
	return scanRole(row)
}

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	var legacy []string
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&role.ID, &role.Name, &role.Status, &role.Category, &legacy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	role.LegacyPermissions = legacy
	role.CreatedAt = createdAt.Time
	role.UpdatedAt = updatedAt.Time
	return &role, nil
}

func (q *pgQueries) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := q.db.Query(ctx, `SELECT id, role_id, module, submodule, action, granted, created_by, created_at, updated_at FROM role_permissions WHERE role_id = $1 ORDER BY module, submodule NULLS FIRST, action`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []RolePermission
	for rows.Next() {
		rp, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, rp)
	}
	return perms, rows.Err()
}

func scanPermission(row pgx.Row) (RolePermission, error) {
	var rp RolePermission
	var submodule pgtype.Text
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&rp.ID, &rp.RoleID, &rp.Module, &submodule, &rp.Action, &rp.Granted, &rp.CreatedBy, &createdAt, &updatedAt); err != nil {
		return RolePermission{}, err
	}
	rp.Submodule = submodule.String
	rp.CreatedAt = createdAt.Time
	rp.UpdatedAt = updatedAt.Time
	return rp, nil
}

func (q *pgQueries) CountRolePermissions(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

// FindPermission fetches the row for the exact triple. The uniqueness
// constraint includes the nullable submodule column, where NULL rows are
// distinct to postgres, so the upsert path is find-then-create instead
// of ON CONFLICT.
func (q *pgQueries) FindPermission(ctx context.Context, roleID int64, module, submodule, action string) (*RolePermission, error) {
	row := q.db.QueryRow(ctx, `SELECT id, role_id, module, submodule, action, granted, created_by, created_at, updated_at FROM role_permissions WHERE role_id = $1 AND module = $2 AND submodule IS NOT DISTINCT FROM $3 AND action = $4`, roleID, module, optionalText(submodule), action)
	rp, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rp, nil
}

func (q *pgQueries) CreatePermission(ctx context.Context, rp RolePermission) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(ctx, `INSERT INTO role_permissions (role_id, module, submodule, action, granted, created_by, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		rp.RoleID, rp.Module, optionalText(rp.Submodule), rp.Action, rp.Granted, rp.CreatedBy, pgtype.Timestamptz{Time: now, Valid: true})
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrDuplicatePermission
		}
		return err
	}
	return nil
}

func (q *pgQueries) SetPermissionGranted(ctx context.Context, id int64, granted bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE role_permissions SET granted = $2, updated_at = NOW() WHERE id = $1`, id, granted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: permission row %d not found", id)
	}
	return nil
}

func (q *pgQueries) UpdateRoleStatus(ctx context.Context, roleID int64, status RoleStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE roles SET status = $2, updated_at = NOW() WHERE id = $1`, roleID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func (q *pgQueries) CountUsersWithRole(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

func (q *pgQueries) ListUsersWithRole(ctx context.Context, roleID int64) ([]AffectedUser, error) {
	rows, err := q.db.Query(ctx, `SELECT id, email, name FROM users WHERE role_id = $1 ORDER BY id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []AffectedUser
	for rows.Next() {
		var u AffectedUser
		if err := rows.Scan(&u.ID, &u.Email, &u.Name); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ErrUserNotFound indicates the user does not exist.
var ErrUserNotFound = errors.New("authz: user not found")

func (q *pgQueries) GetUserRoleID(ctx context.Context, userID int64) (int64, error) {
	var roleID int64
	err := q.db.QueryRow(ctx, `SELECT role_id FROM users WHERE id = $1`, userID).Scan(&roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return roleID, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
