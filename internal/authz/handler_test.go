package authz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-pm/haven/internal/platform/httpx"
)

func newTestServer(t *testing.T, repo *memoryRepository) *httptest.Server {
	t.Helper()
	audit := newMemoryAudit()
	checker := newTestChecker(repo, audit)
	resolver := newTestResolver(checker)
	inspector := NewInspector(checker, audit, nil)
	comparator := NewComparator(checker)
	governor := NewGovernor(repo, checker, checker.cache, nil)
	handler := NewHandler(slog.Default(), checker, resolver, inspector, comparator, governor)

	r := chi.NewRouter()
	handler.Routes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "admin@haven")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestHandlerCheckEndpoint(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/check", `{"role_id":1,"path":"finance.view"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decision Decision
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNoExplicitGrant, decision.Reason)
}

func TestHandlerGrantThenCheck(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	server := newTestServer(t, repo)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/permissions/grant", `{"module":"finance","action":"view"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/check", `{"role_id":1,"path":"finance.view"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decision Decision
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.True(t, decision.Allowed)
}

func TestHandlerGrantUnknownPermission(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	server := newTestServer(t, repo)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/permissions/grant", `{"module":"finance","action":"launch"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerGrantRequiresActorHeader(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	server := newTestServer(t, repo)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/authz/roles/1/permissions/grant", strings.NewReader(`{"module":"finance","action":"view"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerDeactivateBlockedRefusal(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	repo.addUser(AffectedUser{ID: 7, Email: "lee@haven.test", Name: "Lee"}, 1)
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/deactivate", `{"reason":"cleanup"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "ROLE_DEACTIVATION_BLOCKED", problem.Code)
	require.Contains(t, problem.Meta, "affected_users")
	affected, ok := problem.Meta["affected_users"].([]any)
	require.True(t, ok)
	assert.Len(t, affected, 1)
}

func TestHandlerDeactivateSystemRoleRefusal(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "admin", Status: StatusSystemLocked, Category: CategoryAdmin})
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/deactivate", `{"reason":"nope"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "cannot_deactivate_system_role", problem.Code)
}

func TestHandlerResolveEndpoint(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(Role{ID: 1, Name: "legacy", Status: StatusActive, Category: CategoryStaff, LegacyPermissions: []string{"hr.edit"}})
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/resolve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		RoleID int64    `json:"role_id"`
		Paths  []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, []string{"hr.edit"}, result.Paths)
}

func TestHandlerBulkUpdateReportsOffendingItem(t *testing.T) {
	repo := newMemoryRepository()
	repo.addRole(activeRole(1, "staff"))
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/authz/roles/1/permissions/bulk",
		`{"changes":[{"module":"finance","action":"view","granted":true},{"module":"finance","action":"launch","granted":true}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "bulk_update_failed", problem.Code)
	assert.Equal(t, float64(1), problem.Meta["index"])

	count, err := repo.CountRolePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHandlerRoleNotFound(t *testing.T) {
	repo := newMemoryRepository()
	server := newTestServer(t, repo)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/authz/roles/9/inspection", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerCatalogEndpoint(t *testing.T) {
	repo := newMemoryRepository()
	server := newTestServer(t, repo)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/authz/permissions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var byModule map[string][]string
	require.NoError(t, json.Unmarshal(body, &byModule))
	assert.Contains(t, byModule, "finance")
}
