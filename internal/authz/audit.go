package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Permission change types recorded in the audit trail.
const (
	ChangeGrant      = "grant"
	ChangeRevoke     = "revoke"
	ChangeUpdate     = "update"
	ChangeBulkUpdate = "bulk_update"
)

// Action check results recorded in the audit trail.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultRefused = "refused"
)

// PermissionChangeLog records one mutation of a role's explicit grants.
type PermissionChangeLog struct {
	ActorID    string
	RoleID     int64
	Path       string
	OldGranted *bool
	NewGranted bool
	ChangeType string
	Context    map[string]any
	At         time.Time
}

// ActionLog records the outcome of a permission check that gated a real
// action.
type ActionLog struct {
	UserID    int64
	RoleID    int64
	Path      string
	Action    string
	EntityRef string
	Result    string
	At        time.Time
}

// RoleLifecycleLog records one role status transition.
type RoleLifecycleLog struct {
	ActorID       string
	RoleID        int64
	PrevStatus    RoleStatus
	NewStatus     RoleStatus
	AffectedUsers []AffectedUser
	Reason        string
	Context       map[string]any
	At            time.Time
}

// AuditLogger persists immutable audit records. Permission-change writes
// are best-effort for callers (a logging outage never blocks a
// legitimate change); lifecycle writes go through TxRepository so the
// status flip rolls back when the record cannot be written.
type AuditLogger interface {
	RecordPermissionChange(ctx context.Context, rec PermissionChangeLog) error
	RecordAction(ctx context.Context, rec ActionLog) error
	LastAllowedAction(ctx context.Context, roleID int64, path string) (*ActionLog, error)
}

// PGAuditLogger writes audit rows into postgres.
type PGAuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a postgres backed audit logger.
func NewAuditLogger(pool *pgxpool.Pool) *PGAuditLogger {
	return &PGAuditLogger{pool: pool}
}

// RecordPermissionChange appends one permission change record.
func (l *PGAuditLogger) RecordPermissionChange(ctx context.Context, rec PermissionChangeLog) error {
	if rec.Path == "" || rec.ChangeType == "" {
		return errors.New("authz: audit record requires path and change type")
	}
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	var old pgtype.Bool
	if rec.OldGranted != nil {
		old = pgtype.Bool{Bool: *rec.OldGranted, Valid: true}
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO permission_audit_logs (actor_id, role_id, path, old_granted, new_granted, change_type, context, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		rec.ActorID, rec.RoleID, rec.Path, old, rec.NewGranted, rec.ChangeType, contextJSON, auditTime(rec.At))
	return err
}

// RecordAction appends one action outcome record.
func (l *PGAuditLogger) RecordAction(ctx context.Context, rec ActionLog) error {
	if rec.Path == "" || rec.Result == "" {
		return errors.New("authz: action record requires path and result")
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO action_audit_logs (user_id, role_id, path, action, entity_ref, result, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		rec.UserID, rec.RoleID, rec.Path, rec.Action, optionalText(rec.EntityRef), rec.Result, auditTime(rec.At))
	return err
}

// LastAllowedAction fetches the most recent allowed outcome for the
// role/path pair, or nil when the permission was never exercised.
func (l *PGAuditLogger) LastAllowedAction(ctx context.Context, roleID int64, path string) (*ActionLog, error) {
	row := l.pool.QueryRow(ctx, `SELECT user_id, role_id, path, action, COALESCE(entity_ref, ''), result, occurred_at FROM action_audit_logs WHERE role_id = $1 AND path = $2 AND result = 'allowed' ORDER BY occurred_at DESC LIMIT 1`, roleID, path)
	var rec ActionLog
	var at pgtype.Timestamptz
	err := row.Scan(&rec.UserID, &rec.RoleID, &rec.Path, &rec.Action, &rec.EntityRef, &rec.Result, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.At = at.Time
	return &rec, nil
}

// InsertLifecycleLog writes the lifecycle record inside the caller's
// transaction so the transition and its record commit or roll back
// together.
func (q *pgQueries) InsertLifecycleLog(ctx context.Context, rec RoleLifecycleLog) error {
	usersJSON, err := json.Marshal(rec.AffectedUsers)
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `INSERT INTO role_lifecycle_audit_logs (actor_id, role_id, prev_status, new_status, affected_users, reason, context, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		rec.ActorID, rec.RoleID, rec.PrevStatus, rec.NewStatus, usersJSON, rec.Reason, contextJSON, auditTime(rec.At))
	return err
}

func auditTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

var _ AuditLogger = (*PGAuditLogger)(nil)
