package authz

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Permission sources reported by the inspector.
const (
	SourceExplicit = "explicit"
	SourceLegacy   = "legacy"
	SourceSystem   = "system"
	SourceDenied   = "denied"
)

// Enforcement modes.
const (
	EnforcementActive = "active"
	// EnforcementCompatibility marks a role still relying on the legacy
	// fallback: no explicit row exists yet.
	EnforcementCompatibility = "compatibility_mode"
)

// Effective access summaries.
const (
	AccessFull       = "full"
	AccessPartial    = "partial"
	AccessRestricted = "restricted"
)

// InspectedPermission classifies one catalog path for a role.
type InspectedPermission struct {
	Path      string     `json:"path"`
	Allowed   bool       `json:"allowed"`
	Source    string     `json:"source"`
	Reason    string     `json:"reason"`
	Sensitive bool       `json:"sensitive"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// InspectionResult is the full effective-access breakdown for one role.
type InspectionResult struct {
	RoleID      int64                 `json:"role_id"`
	RoleName    string                `json:"role_name"`
	RoleStatus  RoleStatus            `json:"role_status"`
	Enforcement string                `json:"enforcement"`
	Summary     string                `json:"summary"`
	Allowed     int                   `json:"allowed_count"`
	Total       int                   `json:"total_count"`
	Permissions []InspectedPermission `json:"permissions"`
	InspectorID string                `json:"inspector_id"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Inspector produces read-only, human-auditable views of a role's
// effective access. It must never mutate state: no grant, no cache
// write, no conversion.
type Inspector struct {
	checker *Checker
	audit   AuditLogger
	logger  *slog.Logger
}

// NewInspector constructs an inspector.
func NewInspector(checker *Checker, audit AuditLogger, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{checker: checker, audit: audit, logger: logger}
}

// InspectRole walks the full catalog and classifies each path for the
// role using the precedence: explicit deny, explicit grant, admin
// blanket, legacy wildcard, sensitive default deny, deny by default.
func (i *Inspector) InspectRole(ctx context.Context, roleID int64, inspectorID string) (*InspectionResult, error) {
	role, err := i.checker.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	rows, err := i.checker.ListExplicitPermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}

	granted := make(map[string]struct{}, len(rows))
	denied := make(map[string]struct{})
	for _, rp := range rows {
		if rp.Granted {
			granted[rp.Path()] = struct{}{}
		} else {
			denied[rp.Path()] = struct{}{}
		}
	}
	migrated := len(rows) > 0
	legacyWildcard := !migrated && slices.Contains(role.LegacyPermissions, LegacyWildcard)
	adminBlanket := role.Category == CategoryAdmin && migrated

	catalog := i.checker.Catalog().Paths()
	result := &InspectionResult{
		RoleID:      roleID,
		RoleName:    role.Name,
		RoleStatus:  role.Status,
		Enforcement: EnforcementCompatibility,
		Total:       len(catalog),
		Permissions: make([]InspectedPermission, 0, len(catalog)),
		InspectorID: inspectorID,
		GeneratedAt: time.Now().UTC(),
	}
	if migrated {
		result.Enforcement = EnforcementActive
	}

	for _, path := range catalog {
		entry := i.classify(path, granted, denied, adminBlanket, legacyWildcard)
		if entry.Sensitive {
			entry.LastUsed = i.lastUsed(ctx, roleID, path)
		}
		if entry.Allowed {
			result.Allowed++
		}
		result.Permissions = append(result.Permissions, entry)
	}

	switch {
	case result.Allowed == result.Total:
		result.Summary = AccessFull
	case result.Allowed*2 > result.Total:
		result.Summary = AccessPartial
	default:
		result.Summary = AccessRestricted
	}
	return result, nil
}

func (i *Inspector) classify(path string, granted, denied map[string]struct{}, adminBlanket, legacyWildcard bool) InspectedPermission {
	entry := InspectedPermission{Path: path, Sensitive: IsSensitivePath(path)}
	switch {
	case hasPath(denied, path):
		entry.Source = SourceExplicit
		entry.Reason = "explicitly_revoked"
	case hasPath(granted, path):
		entry.Allowed = true
		entry.Source = SourceExplicit
		entry.Reason = ReasonGranted
	case adminBlanket:
		entry.Allowed = true
		entry.Source = SourceSystem
		entry.Reason = "admin_full_access"
	case legacyWildcard:
		entry.Allowed = true
		entry.Source = SourceLegacy
		entry.Reason = "legacy_wildcard"
	case entry.Sensitive:
		entry.Source = SourceDenied
		entry.Reason = ReasonSystemRestricted
	default:
		entry.Source = SourceDenied
		entry.Reason = ReasonNoExplicitGrant
	}
	return entry
}

// lastUsed is best effort: an audit read failure degrades the report
// instead of failing it.
func (i *Inspector) lastUsed(ctx context.Context, roleID int64, path string) *time.Time {
	rec, err := i.audit.LastAllowedAction(ctx, roleID, path)
	if err != nil {
		i.logger.Warn("last-used lookup failed",
			slog.Int64("role_id", roleID),
			slog.String("path", path),
			slog.Any("error", err))
		return nil
	}
	if rec == nil {
		return nil
	}
	at := rec.At
	return &at
}

// InspectUser resolves the user's role and inspects it.
func (i *Inspector) InspectUser(ctx context.Context, userID int64, inspectorID string) (*InspectionResult, error) {
	roleID, err := i.checker.repo.GetUserRoleID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return i.InspectRole(ctx, roleID, inspectorID)
}

func hasPath(set map[string]struct{}, path string) bool {
	_, ok := set[path]
	return ok
}
