package authz

import "strings"

// MaxPathLength bounds the canonical string form of a permission path.
const MaxPathLength = 255

// PermissionPath identifies one capability as module[.submodule].action.
// An absent submodule is always the empty string, never a sentinel value;
// the storage layer maps it to NULL.
type PermissionPath struct {
	Module    string
	Submodule string
	Action    string
}

// ParsePath splits a dotted permission string into its parts. It accepts
// exactly two segments (module.action) or three (module.submodule.action)
// of lowercase letters and digits. Malformed input yields nil, not an
// error: callers cannot distinguish "bad path" from "no grant" and must
// deny either way.
func ParsePath(raw string) *PermissionPath {
	if raw == "" || len(raw) > MaxPathLength {
		return nil
	}
	parts := strings.Split(raw, ".")
	for _, part := range parts {
		if !validSegment(part) {
			return nil
		}
	}
	switch len(parts) {
	case 2:
		return &PermissionPath{Module: parts[0], Action: parts[1]}
	case 3:
		return &PermissionPath{Module: parts[0], Submodule: parts[1], Action: parts[2]}
	default:
		return nil
	}
}

// FormatPath is the inverse of ParsePath, omitting the submodule segment
// when it is empty.
func FormatPath(module, submodule, action string) string {
	if submodule == "" {
		return module + "." + action
	}
	return module + "." + submodule + "." + action
}

// String renders the canonical dotted form.
func (p PermissionPath) String() string {
	return FormatPath(p.Module, p.Submodule, p.Action)
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
