package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/haven-pm/haven/internal/platform/httpx"
)

// ActorHeader identifies the acting administrator on mutating requests.
// Authentication happens upstream; this engine only records the actor.
const ActorHeader = "X-Haven-Actor"

// Handler exposes the engine to the HTTP layer. It only decodes,
// validates, delegates and responds.
type Handler struct {
	logger     *slog.Logger
	checker    *Checker
	resolver   *CompatResolver
	inspector  *Inspector
	comparator *Comparator
	governor   *Governor
	validate   *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, checker *Checker, resolver *CompatResolver, inspector *Inspector, comparator *Comparator, governor *Governor) *Handler {
	return &Handler{
		logger:     logger,
		checker:    checker,
		resolver:   resolver,
		inspector:  inspector,
		comparator: comparator,
		governor:   governor,
		validate:   validator.New(),
	}
}

// Routes registers the authorization endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/authz", func(r chi.Router) {
		r.Get("/permissions", h.listCatalog)
		r.Post("/check", h.check)
		r.Post("/check-any", h.checkAny)
		r.Route("/roles/{roleID}", func(r chi.Router) {
			r.Get("/inspection", h.inspectRole)
			r.Post("/resolve", h.resolve)
			r.Post("/permissions/grant", h.grant)
			r.Post("/permissions/revoke", h.revoke)
			r.Post("/permissions/bulk", h.bulkUpdate)
			r.Post("/deactivate", h.deactivate)
		})
		r.Get("/roles/{roleID}/compare/{otherID}", h.compare)
		r.Get("/users/{userID}/inspection", h.inspectUser)
	})
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.checker.AllAvailablePermissions())
}

type checkRequest struct {
	RoleID int64  `json:"role_id" validate:"required"`
	Path   string `json:"path" validate:"required,max=255"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision := h.checker.CheckPermission(r.Context(), req.RoleID, req.Path)
	httpx.JSON(w, http.StatusOK, decision)
}

type checkAnyRequest struct {
	RoleID int64    `json:"role_id" validate:"required"`
	Paths  []string `json:"paths" validate:"required,min=1,dive,max=255"`
}

func (h *Handler) checkAny(w http.ResponseWriter, r *http.Request) {
	var req checkAnyRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision := h.checker.CheckAnyPermission(r.Context(), req.RoleID, req.Paths)
	httpx.JSON(w, http.StatusOK, decision)
}

type permissionRequest struct {
	Module    string `json:"module" validate:"required,lowercase,alphanum,max=64"`
	Submodule string `json:"submodule,omitempty" validate:"omitempty,lowercase,alphanum,max=64"`
	Action    string `json:"action" validate:"required,lowercase,alphanum,max=64"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	h.changePermission(w, r, true)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	h.changePermission(w, r, false)
}

func (h *Handler) changePermission(w http.ResponseWriter, r *http.Request, grant bool) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	var err error
	if grant {
		err = h.checker.GrantPermission(r.Context(), roleID, req.Module, req.Submodule, req.Action, actor)
	} else {
		err = h.checker.RevokePermission(r.Context(), roleID, req.Module, req.Submodule, req.Action, actor)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

type bulkUpdateRequest struct {
	Changes []PermissionChange `json:"changes" validate:"required,min=1,max=200"`
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req bulkUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.checker.BulkUpdatePermissions(r.Context(), roleID, req.Changes, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

type deactivateRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req deactivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.governor.Deactivate(r.Context(), roleID, req.Reason, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

// resolve returns the role's effective explicit paths, running the
// one-time legacy conversion when the role has none yet.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	paths, err := h.resolver.ResolveRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id": roleID,
		"paths":   paths,
	})
}

func (h *Handler) inspectRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	result, err := h.inspector.InspectRole(r.Context(), roleID, r.Header.Get(ActorHeader))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) inspectUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	result, err := h.inspector.InspectUser(r.Context(), userID, r.Header.Get(ActorHeader))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) compare(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	otherID, ok := h.pathID(w, r, "otherID")
	if !ok {
		return
	}
	equivalent, score, err := h.comparator.AreEquivalent(r.Context(), roleID, otherID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	delta, err := h.comparator.Delta(r.Context(), roleID, otherID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"equivalent": equivalent,
		"similarity": score,
		"threshold":  h.comparator.Threshold(),
		"delta":      delta,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "missing "+ActorHeader+" header")
		return "", false
	}
	return actor, true
}

// respondError maps engine errors onto the refusal/validation taxonomy.
// Governance refusals keep their structured detail for administrators.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var blocked *DeactivationBlockedError
	var bulkErr *BulkUpdateError
	switch {
	case errors.As(err, &blocked):
		httpx.Refusal(w, http.StatusConflict, blocked.Code(), blocked.Error(), map[string]any{
			"affected_users": blocked.AffectedUsers,
		})
	case errors.Is(err, ErrSystemRoleImmutable):
		httpx.Refusal(w, http.StatusConflict, "cannot_deactivate_system_role", err.Error(), nil)
	case errors.Is(err, ErrAlreadyDeactivated):
		httpx.Refusal(w, http.StatusConflict, "already_deactivated", err.Error(), nil)
	case errors.As(err, &bulkErr):
		httpx.Refusal(w, http.StatusBadRequest, "bulk_update_failed", bulkErr.Error(), map[string]any{
			"index": bulkErr.Index,
			"path":  bulkErr.Path,
		})
	case errors.Is(err, ErrUnknownPermission):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrUserNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("authz request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
