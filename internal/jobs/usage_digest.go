package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/haven-pm/haven/internal/authz"
)

// DigestTTL is how long a published digest stays readable. Two days
// leaves the dashboard a full day of overlap between runs.
const DigestTTL = 48 * time.Hour

// DigestKeyPrefix namespaces digest entries in Redis.
const DigestKeyPrefix = "authz:usage_digest:"

// UsageDigest is the published aggregate of one day of sensitive
// permission activity.
type UsageDigest struct {
	Day         string      `json:"day"`
	GeneratedAt time.Time   `json:"generated_at"`
	Roles       []RoleUsage `json:"roles"`
}

// RoleUsage groups one role's sensitive-path outcomes.
type RoleUsage struct {
	RoleID int64       `json:"role_id"`
	Paths  []PathUsage `json:"paths"`
}

// PathUsage counts check outcomes for a single permission path.
type PathUsage struct {
	Path    string `json:"path"`
	Allowed int64  `json:"allowed"`
	Denied  int64  `json:"denied"`
	Refused int64  `json:"refused"`
}

// UsageRow is one grouped slice of the action audit trail: how often a
// role saw a given check result on a sensitive path.
type UsageRow struct {
	RoleID int64
	Path   string
	Result string
	Count  int64
}

// UsageSource supplies the grouped audit rows for one day's window.
type UsageSource interface {
	SensitiveUsage(ctx context.Context, from, to time.Time) ([]UsageRow, error)
}

// PGUsageSource reads sensitive-path usage out of the action audit table.
type PGUsageSource struct {
	pool *pgxpool.Pool
}

// NewPGUsageSource wraps the pool as a UsageSource.
func NewPGUsageSource(pool *pgxpool.Pool) *PGUsageSource {
	return &PGUsageSource{pool: pool}
}

// SensitiveUsage returns per role, path and result counts for the window.
func (s *PGUsageSource) SensitiveUsage(ctx context.Context, from, to time.Time) ([]UsageRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT role_id, path, result, COUNT(*) FROM action_audit_logs WHERE occurred_at >= $1 AND occurred_at < $2 AND path = ANY($3) GROUP BY role_id, path, result`,
		from, to, authz.SensitivePaths())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var row UsageRow
		if err := rows.Scan(&row.RoleID, &row.Path, &row.Result, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UsageDigestJob aggregates the action audit trail for sensitive paths
// and publishes the result into Redis for the admin dashboard.
type UsageDigestJob struct {
	Source  UsageSource
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *Metrics
	clock   func() time.Time
}

// NewUsageDigestJob initialises the digest handler.
func NewUsageDigestJob(source UsageSource, rdb *redis.Client, logger *slog.Logger, metrics *Metrics) *UsageDigestJob {
	return &UsageDigestJob{
		Source:  source,
		Redis:   rdb,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the digest aggregation.
func (j *UsageDigestJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("usage digest: handler not configured")
	}
	var payload UsageDigestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	day, err := j.resolveDay(payload.Day)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskPermissionUsageDigest)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("day", day.Format(time.DateOnly)))
	logger.Info("starting permission usage digest")

	digest, err := j.aggregate(ctx, day)
	if err != nil {
		resultErr = err
		logger.Error("digest aggregation failed", slog.Any("error", err))
		return resultErr
	}
	if err := j.publish(ctx, digest); err != nil {
		resultErr = err
		logger.Error("digest publish failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed permission usage digest", slog.Int("roles", len(digest.Roles)))
	return resultErr
}

// resolveDay parses the requested day, defaulting to the previous UTC
// day so the window is always complete.
func (j *UsageDigestJob) resolveDay(raw string) (time.Time, error) {
	if raw == "" {
		now := j.now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1), nil
	}
	return time.ParseInLocation(time.DateOnly, raw, time.UTC)
}

func (j *UsageDigestJob) aggregate(ctx context.Context, day time.Time) (*UsageDigest, error) {
	if j.Source == nil {
		return nil, errors.New("usage digest: source not configured")
	}
	from := day
	to := day.AddDate(0, 0, 1)
	rows, err := j.Source.SensitiveUsage(ctx, from, to)
	if err != nil {
		return nil, err
	}

	type key struct {
		roleID int64
		path   string
	}
	usage := make(map[key]*PathUsage)
	for _, row := range rows {
		k := key{roleID: row.RoleID, path: row.Path}
		entry, ok := usage[k]
		if !ok {
			entry = &PathUsage{Path: row.Path}
			usage[k] = entry
		}
		switch row.Result {
		case authz.ResultAllowed:
			entry.Allowed += row.Count
		case authz.ResultDenied:
			entry.Denied += row.Count
		case authz.ResultRefused:
			entry.Refused += row.Count
		}
	}

	byRole := make(map[int64][]PathUsage)
	for k, entry := range usage {
		byRole[k.roleID] = append(byRole[k.roleID], *entry)
	}
	digest := &UsageDigest{Day: day.Format(time.DateOnly), GeneratedAt: j.now()}
	for roleID, paths := range byRole {
		sort.Slice(paths, func(i, k int) bool { return paths[i].Path < paths[k].Path })
		digest.Roles = append(digest.Roles, RoleUsage{RoleID: roleID, Paths: paths})
	}
	sort.Slice(digest.Roles, func(i, k int) bool { return digest.Roles[i].RoleID < digest.Roles[k].RoleID })
	return digest, nil
}

func (j *UsageDigestJob) publish(ctx context.Context, digest *UsageDigest) error {
	if j.Redis == nil {
		return errors.New("usage digest: redis not configured")
	}
	data, err := json.Marshal(digest)
	if err != nil {
		return err
	}
	return j.Redis.Set(ctx, DigestKeyPrefix+digest.Day, data, DigestTTL).Err()
}

func (j *UsageDigestJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermissionUsageDigest))
	}
	return slog.Default().With(slog.String("job", TaskPermissionUsageDigest))
}

func (j *UsageDigestJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
