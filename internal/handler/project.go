package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/identity"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/resolver"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewProjectMgr)
}

type ProjectMgr struct {
	name     string
	db       *gorm.DB
	access   *access.Service
	resolver *resolver.Resolver
	store    *mapping.Store
	audit    audit.Recorder
}

func NewProjectMgr(conf *RegisterConfig) Manager {
	return &ProjectMgr{
		name:     "projects",
		db:       conf.DB,
		access:   conf.Access,
		resolver: conf.Resolver,
		store:    conf.Mappings,
		audit:    conf.Audit,
	}
}

func (mgr *ProjectMgr) GetName() string { return mgr.name }

func (mgr *ProjectMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *ProjectMgr) RegisterProtected(g *gin.RouterGroup) {
	g.POST("/:workspace/resolve", mgr.ResolveProject)

	g.GET("/:workspace/mappings", mgr.ListMappings)
	g.POST("/:workspace/mappings", mgr.CreateMapping)
	g.PUT("/:workspace/mappings/:id/enabled", mgr.EnableMapping)
	g.DELETE("/:workspace/mappings/:id", mgr.DisableMapping)

	g.GET("/:workspace/subprojects", mgr.ListSubprojectPolicies)
	g.POST("/:workspace/subprojects", mgr.AddSubprojectPolicy)
	g.DELETE("/:workspace/subprojects/:id", mgr.DeleteSubprojectPolicy)

	g.GET("/:workspace/members/:projectId", mgr.ListProjectMembers)
	g.PUT("/:workspace/members/:projectId/:userId", mgr.SetProjectMember)
	g.DELETE("/:workspace/members/:projectId/:userId", mgr.RemoveProjectMember)
}

func (mgr *ProjectMgr) RegisterAdmin(_ *gin.RouterGroup) {}

type (
	ResolveReq struct {
		GithubRemote      string   `json:"githubRemote"`
		RepoRoot          string   `json:"repoRoot"`
		Cwd               string   `json:"cwd"`
		SubpathCandidates []string `json:"subpathCandidates"`
		ManualID          string   `json:"manualId"`
		ProjectName       string   `json:"projectName"`
	}
	CreateMappingReq struct {
		Kind        model.MappingKind `json:"kind" binding:"required"`
		ExternalID  string            `json:"externalId" binding:"required"`
		ProjectKey  string            `json:"projectKey"`
		ProjectName string            `json:"projectName"`
	}
	SubprojectPolicyReq struct {
		RepoKey string `json:"repoKey" binding:"required"`
		Subpath string `json:"subpath" binding:"required"`
	}
	RoleReq struct {
		Role string `json:"role" binding:"required"`
	}
)

// ResolveProject godoc
// @Summary Resolve the project of a client context
// @Description walk the configured resolution order and return the matched project, creating it when auto-create is on
// @Tags Project
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body ResolveReq true "client context"
// @Success 200 {object} resputil.Response[resolver.Result] "Resolved project"
// @Failure 400 {object} resputil.Response[any] "Request parameter error"
// @Failure 404 {object} resputil.Response[any] "No mapping matched and auto-create is off"
// @Router /api/v1/projects/{workspace}/resolve [post]
func (mgr *ProjectMgr) ResolveProject(c *gin.Context) {
	var req ResolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return
	}
	res, err := mgr.resolver.ResolveProjectByPriority(c, resolver.Request{
		WorkspaceID:       ws.ID,
		GithubRemote:      req.GithubRemote,
		RepoRoot:          req.RepoRoot,
		Cwd:               req.Cwd,
		SubpathCandidates: req.SubpathCandidates,
		ManualID:          req.ManualID,
		ProjectName:       req.ProjectName,
		Actor:             util.GetPrincipal(c).String(),
	})
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, res)
}

// ListMappings godoc
// @Summary List project mappings
// @Description mappings grouped by kind, each group in evaluation order
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[[]model.ProjectMapping] "Mappings"
// @Failure 403 {object} resputil.Response[any] "Requires workspace ADMIN"
// @Router /api/v1/projects/{workspace}/mappings [get]
func (mgr *ProjectMgr) ListMappings(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	rows, err := mgr.store.ListMappings(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// CreateMapping godoc
// @Summary Map an external id to a project
// @Description create the project when its key is new and point the mapping at it
// @Tags Project
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body CreateMappingReq true "mapping"
// @Success 200 {object} resputil.Response[mapping.CreateResult] "Project and mapping"
// @Failure 400 {object} resputil.Response[any] "Request parameter error"
// @Failure 403 {object} resputil.Response[any] "Requires workspace ADMIN"
// @Router /api/v1/projects/{workspace}/mappings [post]
func (mgr *ProjectMgr) CreateMapping(c *gin.Context) {
	var req CreateMappingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	if !req.Kind.Valid() {
		resputil.FromError(c, apperr.Validation("kind", "unknown mapping kind %q", req.Kind))
		return
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if req.Kind == model.MappingKindGithubRemote {
		repoID, subpath, _ := strings.Cut(externalID, identity.SubpathSeparator)
		normalized, err := identity.NormalizeRepoID(repoID)
		if err != nil {
			resputil.FromError(c, err)
			return
		}
		externalID = identity.CanonicalExternalID(normalized, subpath)
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}

	key := req.ProjectKey
	if key == "" {
		key = identity.ProjectKey(req.Kind, externalID)
	}
	name := req.ProjectName
	if name == "" {
		name = externalID
	}
	res, err := mgr.store.CreateProjectAndMapping(c, mapping.CreateRequest{
		WorkspaceID: ws.ID,
		ProjectKey:  key,
		ProjectName: name,
		Kind:        req.Kind,
		ExternalID:  externalID,
	})
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	if res.Created {
		audit.RecordAudit(c, mgr.audit, ws.ID, audit.ActionProjectCreate, res.Project.Key,
			audit.WithActor(util.GetPrincipal(c).String()), audit.WithDetail("kind", string(req.Kind)))
	}
	resputil.Success(c, res)
}

// EnableMapping godoc
// @Summary Re-enable a project mapping
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param id path int true "mapping id"
// @Success 200 {object} resputil.Response[any] "Enabled"
// @Failure 404 {object} resputil.Response[any] "Mapping not found"
// @Router /api/v1/projects/{workspace}/mappings/{id}/enabled [put]
func (mgr *ProjectMgr) EnableMapping(c *gin.Context) {
	mgr.setMappingEnabled(c, true)
}

// DisableMapping godoc
// @Summary Disable a project mapping
// @Description mappings are disabled, never deleted
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param id path int true "mapping id"
// @Success 200 {object} resputil.Response[any] "Disabled"
// @Failure 404 {object} resputil.Response[any] "Mapping not found"
// @Router /api/v1/projects/{workspace}/mappings/{id} [delete]
func (mgr *ProjectMgr) DisableMapping(c *gin.Context) {
	mgr.setMappingEnabled(c, false)
}

func (mgr *ProjectMgr) setMappingEnabled(c *gin.Context, enabled bool) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	if err := mgr.store.SetEnabled(c, ws.ID, id, enabled); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}

// ListSubprojectPolicies godoc
// @Summary List the monorepo subprojects allowed in split_on_demand mode
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[[]model.MonorepoSubprojectPolicy] "Policies"
// @Router /api/v1/projects/{workspace}/subprojects [get]
func (mgr *ProjectMgr) ListSubprojectPolicies(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return
	}
	rows, err := mgr.store.ListSubprojectPolicies(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// AddSubprojectPolicy godoc
// @Summary Allow a monorepo subpath to become its own project
// @Tags Project
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body SubprojectPolicyReq true "repo key and subpath"
// @Success 200 {object} resputil.Response[model.MonorepoSubprojectPolicy] "Policy"
// @Failure 400 {object} resputil.Response[any] "Request parameter error"
// @Router /api/v1/projects/{workspace}/subprojects [post]
func (mgr *ProjectMgr) AddSubprojectPolicy(c *gin.Context) {
	var req SubprojectPolicyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	policy, err := mgr.store.AddSubprojectPolicy(c, ws.ID, strings.TrimSpace(req.RepoKey), req.Subpath)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, policy)
}

// DeleteSubprojectPolicy godoc
// @Summary Remove a subproject policy
// @Description projects created under the policy stay
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param id path int true "policy id"
// @Success 200 {object} resputil.Response[any] "Deleted"
// @Router /api/v1/projects/{workspace}/subprojects/{id} [delete]
func (mgr *ProjectMgr) DeleteSubprojectPolicy(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	if err := mgr.store.DeleteSubprojectPolicy(c, ws.ID, id); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}

// projectOfWorkspace checks the :projectId path parameter belongs to the :workspace one.
func (mgr *ProjectMgr) projectOfWorkspace(c *gin.Context) (*model.Project, bool) {
	projectID, ok := uintParam(c, "projectId")
	if !ok {
		return nil, false
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return nil, false
	}
	project, err := mgr.store.GetProject(c, ws.ID, projectID)
	if err != nil {
		resputil.FromError(c, err)
		return nil, false
	}
	return project, true
}

// ListProjectMembers godoc
// @Summary List the members of a project
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param projectId path int true "project id"
// @Success 200 {object} resputil.Response[[]model.ProjectMember] "Members"
// @Failure 403 {object} resputil.Response[any] "Not a project member"
// @Router /api/v1/projects/{workspace}/members/{projectId} [get]
func (mgr *ProjectMgr) ListProjectMembers(c *gin.Context) {
	project, ok := mgr.projectOfWorkspace(c)
	if !ok {
		return
	}
	rows, err := mgr.access.ListProjectMembers(c, util.GetPrincipal(c), project.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// SetProjectMember godoc
// @Summary Add a project member or change their role
// @Description requires project MAINTAINER, and project OWNER to grant OWNER
// @Tags Project
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param projectId path int true "project id"
// @Param userId path int true "user id"
// @Param req body RoleReq true "READER, WRITER, MAINTAINER or OWNER"
// @Success 200 {object} resputil.Response[model.ProjectMember] "Member"
// @Failure 403 {object} resputil.Response[any] "Not allowed"
// @Router /api/v1/projects/{workspace}/members/{projectId}/{userId} [put]
func (mgr *ProjectMgr) SetProjectMember(c *gin.Context) {
	var req RoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	project, ok := mgr.projectOfWorkspace(c)
	if !ok {
		return
	}
	member, err := mgr.access.SetProjectMemberRole(c, util.GetPrincipal(c), project.ID, userID, req.Role)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, member)
}

// RemoveProjectMember godoc
// @Summary Remove a project member
// @Tags Project
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param projectId path int true "project id"
// @Param userId path int true "user id"
// @Success 200 {object} resputil.Response[any] "Removed"
// @Failure 403 {object} resputil.Response[any] "Not allowed"
// @Router /api/v1/projects/{workspace}/members/{projectId}/{userId} [delete]
func (mgr *ProjectMgr) RemoveProjectMember(c *gin.Context) {
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	project, ok := mgr.projectOfWorkspace(c)
	if !ok {
		return
	}
	if err := mgr.access.RemoveProjectMember(c, util.GetPrincipal(c), project.ID, userID); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}
