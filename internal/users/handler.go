package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/haven-pm/haven/internal/platform/httpx"
)

// Handler manages user management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes registers user routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/users", func(r chi.Router) {
		r.Get("/", h.listUsers)
		r.Post("/{userID}/reassign-role", h.reassignRole)
		r.Get("/{userID}/reassign-role/{roleID}/preview", h.reassignmentPreview)
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

type reassignRequest struct {
	RoleID int64 `json:"role_id"`
}

func (h *Handler) reassignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req reassignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || req.RoleID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "role_id required")
		return
	}
	if err := h.service.ReassignRole(r.Context(), userID, req.RoleID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) reassignmentPreview(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	delta, err := h.service.ReassignmentPreview(r.Context(), userID, roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, delta)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var equivalent *EquivalentRoleError
	switch {
	case errors.As(err, &equivalent):
		httpx.Refusal(w, http.StatusConflict, equivalent.Code(), equivalent.Error(), map[string]any{
			"similarity": equivalent.Similarity,
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("users request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
