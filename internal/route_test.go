package internal

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/dao/query/dbtest"
	"github.com/raids-lab/memoria/internal/handler"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/resolver"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

const (
	serviceToken  = "svc-token"
	webhookSecret = "hook-secret"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type nopHandler struct{}

func (nopHandler) Handle(context.Context, *model.GithubWebhookEvent) (int, error) { return 0, nil }

type nopAlert struct{}

func (nopAlert) WebhookEventFailed(context.Context, *model.GithubWebhookEvent) error { return nil }

func (nopAlert) WebhookSignatureFailed(context.Context, string, string, string) error { return nil }

type server struct {
	db     *gorm.DB
	engine *gin.Engine
	tokens *util.TokenManager
	rec    *audit.MemoryRecorder
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := dbtest.New(t)
	rec := &audit.MemoryRecorder{}
	tokens := util.NewTokenManager("jwt-secret", 24)
	queue := webhookqueue.New(db, nopHandler{}, rec, nopAlert{}, clock.RealClock{},
		webhookqueue.Options{Secret: []byte(webhookSecret)})
	engine := Register(&handler.RegisterConfig{
		DB:           db,
		Audit:        rec,
		Tokens:       tokens,
		ServiceToken: serviceToken,
		Access:       access.New(db, rec),
		Resolver:     resolver.New(db, rec),
		Mappings:     mapping.NewStore(db),
		WebhookQueue: queue,
	})
	return &server{db: db, engine: engine, tokens: tokens, rec: rec}
}

func (s *server) userToken(t *testing.T, u *model.User) string {
	t.Helper()
	token, err := s.tokens.CreateToken(&util.JWTMessage{UserID: u.ID, Username: u.Name})
	require.NoError(t, err)
	return token
}

func (s *server) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, resputil.Response[json.RawMessage]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var resp resputil.Response[json.RawMessage]
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (s *server) member(t *testing.T, ws *model.Workspace, u *model.User, role model.WorkspaceRole) {
	t.Helper()
	require.NoError(t, s.db.Create(&model.WorkspaceMember{
		WorkspaceID: ws.ID, UserID: u.ID, Role: role, Source: model.MemberSourceDirect,
	}).Error)
}

func (s *server) deliver(t *testing.T, deliveryID, signature string, body []byte) (*httptest.ResponseRecorder, resputil.Response[json.RawMessage]) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "membership")
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-Hub-Signature-256", signature)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var resp resputil.Response[json.RawMessage]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGithubWebhookDelivery(t *testing.T) {
	s := newServer(t)
	body := []byte(`{"action":"added","team":{"id":7},"installation":{"id":42}}`)

	w, resp := s.deliver(t, "d-1", sign(body), body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, resputil.OK, resp.Code)

	w, resp = s.deliver(t, "d-1", sign(body), body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resputil.DuplicateDelivery, resp.Code)

	w, resp = s.deliver(t, "d-2", "sha256=00", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, resputil.TokenInvalid, resp.Code)

	var n int64
	require.NoError(t, s.db.Model(&model.GithubWebhookEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, s.rec.Actions(), audit.ActionWebhookSignatureFailed)
}

func TestProtectedRoutesNeedBearerToken(t *testing.T) {
	s := newServer(t)
	dbtest.Workspace(t, s.db, "acme", model.WorkspaceSettings{})

	w, resp := s.do(t, http.MethodPost, "/api/v1/projects/acme/resolve", "", map[string]string{"githubRemote": "acme/api"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, resputil.TokenInvalid, resp.Code)

	w, resp = s.do(t, http.MethodPost, "/api/v1/projects/acme/resolve", "garbage", map[string]string{"githubRemote": "acme/api"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, resputil.TokenExpired, resp.Code)
}

func TestResolveProject(t *testing.T) {
	s := newServer(t)
	ws := dbtest.Workspace(t, s.db, "acme", model.WorkspaceSettings{})
	alice := dbtest.User(t, s.db, "alice")
	token := s.userToken(t, alice)
	req := map[string]any{"githubRemote": "git@github.com:Acme/API.git"}

	w, resp := s.do(t, http.MethodPost, "/api/v1/projects/acme/resolve", token, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, resputil.UserNotAllowed, resp.Code)

	s.member(t, ws, alice, model.WorkspaceRoleMember)
	w, resp = s.do(t, http.MethodPost, "/api/v1/projects/acme/resolve", token, req)
	require.Equal(t, http.StatusOK, w.Code, string(resp.Msg))

	var res resolver.Result
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.Created)
	assert.Equal(t, model.MappingKindGithubRemote, res.Kind)
	assert.Equal(t, "github:acme/api", res.Project.Key)

	w, resp = s.do(t, http.MethodPost, "/api/v1/projects/acme/resolve", token, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.False(t, res.Created)

	w, _ = s.do(t, http.MethodPost, "/api/v1/projects/nope/resolve", token, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkspaceKeepsLastOwner(t *testing.T) {
	s := newServer(t)
	ws := dbtest.Workspace(t, s.db, "acme", model.WorkspaceSettings{})
	alice := dbtest.User(t, s.db, "alice")
	bob := dbtest.User(t, s.db, "bob")
	s.member(t, ws, alice, model.WorkspaceRoleOwner)
	token := s.userToken(t, alice)

	demote := map[string]string{"role": "MEMBER"}
	w, resp := s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/workspaces/acme/members/%d", alice.ID), token, demote)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, resputil.InvalidRequest, resp.Code)

	w, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/workspaces/acme/members/%d", alice.ID), token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/workspaces/acme/members/%d", bob.ID), token, map[string]string{"role": "OWNER"})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/workspaces/acme/members/%d", alice.ID), token, demote)
	assert.Equal(t, http.StatusOK, w.Code)

	m := &model.WorkspaceMember{}
	require.NoError(t, s.db.Where("workspace_id = ? AND user_id = ?", ws.ID, alice.ID).Take(m).Error)
	assert.Equal(t, model.WorkspaceRoleMember, m.Role)
}

func TestAdminRoutesAcceptOnlyServiceToken(t *testing.T) {
	s := newServer(t)
	alice := dbtest.User(t, s.db, "alice")

	w, resp := s.do(t, http.MethodGet, "/api/v1/admin/operations/webhook-events", s.userToken(t, alice), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, resputil.UserNotAllowed, resp.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/operations/webhook-events", serviceToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReplayFailedWebhookEvent(t *testing.T) {
	s := newServer(t)
	body := []byte(`{"action":"removed","installation":{"id":42}}`)
	w, resp := s.deliver(t, "d-9", sign(body), body)
	require.Equal(t, http.StatusAccepted, w.Code)
	var ingest webhookqueue.IngestResult
	require.NoError(t, json.Unmarshal(resp.Data, &ingest))

	path := fmt.Sprintf("/api/v1/admin/operations/webhook-events/%d/replay", ingest.ID)
	w, _ = s.do(t, http.MethodPost, path, serviceToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "queued events are not replayable")

	require.NoError(t, s.db.Model(&model.GithubWebhookEvent{}).Where("id = ?", ingest.ID).
		Updates(map[string]any{"status": model.WebhookStatusFailed, "attempts": 3}).Error)
	w, resp = s.do(t, http.MethodPost, path, serviceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var event model.GithubWebhookEvent
	require.NoError(t, json.Unmarshal(resp.Data, &event))
	assert.Equal(t, model.WebhookStatusQueued, event.Status)

	w, _ = s.do(t, http.MethodPost, "/api/v1/admin/operations/webhook-events/999/replay", serviceToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIssueTokenForActiveUser(t *testing.T) {
	s := newServer(t)
	alice := dbtest.User(t, s.db, "alice")

	w, resp := s.do(t, http.MethodPost, "/api/v1/admin/auth/tokens", serviceToken, map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var issued handler.IssueTokenResp
	require.NoError(t, json.Unmarshal(resp.Data, &issued))
	assert.Equal(t, alice.ID, issued.UserID)

	msg, err := s.tokens.CheckToken(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Username)

	w, _ = s.do(t, http.MethodPost, "/api/v1/admin/auth/tokens", serviceToken, map[string]string{"username": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
