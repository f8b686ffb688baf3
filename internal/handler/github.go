package handler

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/githubsync"
	"github.com/raids-lab/memoria/pkg/reconciler"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewGithubMgr)
}

type GithubMgr struct {
	name       string
	db         *gorm.DB
	access     *access.Service
	syncer     *githubsync.Syncer
	reconciler *reconciler.Reconciler
	admin      *reconciler.Admin
}

func NewGithubMgr(conf *RegisterConfig) Manager {
	return &GithubMgr{
		name:       "github",
		db:         conf.DB,
		access:     conf.Access,
		syncer:     conf.Syncer,
		reconciler: conf.Reconciler,
		admin:      conf.TeamAdmin,
	}
}

func (mgr *GithubMgr) GetName() string { return mgr.name }

func (mgr *GithubMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *GithubMgr) RegisterProtected(g *gin.RouterGroup) {
	g.GET("/:workspace/installation", mgr.GetInstallation)
	g.PUT("/:workspace/installation", mgr.ConnectInstallation)

	g.GET("/:workspace/repos", mgr.ListRepos)
	g.POST("/:workspace/repos/sync", mgr.SyncRepos)
	g.POST("/:workspace/permissions/sync", mgr.SyncPermissions)

	g.GET("/:workspace/team-mappings", mgr.ListTeamMappings)
	g.POST("/:workspace/team-mappings", mgr.CreateTeamMapping)
	g.PUT("/:workspace/team-mappings/:id", mgr.UpdateTeamMapping)
	g.DELETE("/:workspace/team-mappings/:id", mgr.DeleteTeamMapping)
	g.POST("/:workspace/team-mappings/reconcile", mgr.ReconcileTeams)

	g.GET("/:workspace/user-links", mgr.ListUserLinks)
	g.PUT("/:workspace/user-links/:userId", mgr.LinkUser)
	g.DELETE("/:workspace/user-links/:userId", mgr.UnlinkUser)
}

func (mgr *GithubMgr) RegisterAdmin(_ *gin.RouterGroup) {}

type (
	InstallationReq struct {
		InstallationID int64 `json:"installationId" binding:"required"`
	}
	PermissionSyncReq struct {
		// empty syncs every active linked repository
		RepoIDs []int64 `json:"repoIds"`
	}
	UserLinkReq struct {
		GithubLogin  string `json:"githubLogin" binding:"required"`
		GithubUserID int64  `json:"githubUserId"`
	}
)

// GetInstallation godoc
// @Summary Get the GitHub App installation of a workspace
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[model.GithubInstallation] "Installation"
// @Failure 404 {object} resputil.Response[any] "No installation connected"
// @Router /api/v1/github/{workspace}/installation [get]
func (mgr *GithubMgr) GetInstallation(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return
	}
	inst, err := ghclient.FindInstallation(c, mgr.db, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, inst)
}

// ConnectInstallation godoc
// @Summary Connect a GitHub App installation to a workspace
// @Description the installation is verified with the App JWT, an earlier installation of the workspace is replaced
// @Tags Github
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body InstallationReq true "installation id"
// @Success 200 {object} resputil.Response[model.GithubInstallation] "Installation"
// @Failure 403 {object} resputil.Response[any] "Requires workspace OWNER"
// @Router /api/v1/github/{workspace}/installation [put]
func (mgr *GithubMgr) ConnectInstallation(c *gin.Context) {
	var req InstallationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleOwner)
	if !ok {
		return
	}
	inst, err := mgr.syncer.ConnectInstallation(c, util.GetPrincipal(c).String(), ws.ID, req.InstallationID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, inst)
}

// ListRepos godoc
// @Summary List the repositories linked through the installation
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param all query bool false "include deactivated repositories"
// @Success 200 {object} resputil.Response[[]model.GithubRepoLink] "Repositories"
// @Router /api/v1/github/{workspace}/repos [get]
func (mgr *GithubMgr) ListRepos(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return
	}
	tx := mgr.db.WithContext(c).Where("workspace_id = ?", ws.ID)
	if c.Query("all") != "true" {
		tx = tx.Where("is_active = ?", true)
	}
	var rows []model.GithubRepoLink
	if err := tx.Order("full_name").Find(&rows).Error; err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// SyncRepos godoc
// @Summary Sync the installation repositories
// @Description upsert repository links, deactivate missing ones and auto-create projects when enabled
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[githubsync.RepoSyncResult] "Outcome counts"
// @Failure 404 {object} resputil.Response[any] "No installation connected"
// @Router /api/v1/github/{workspace}/repos/sync [post]
func (mgr *GithubMgr) SyncRepos(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	res, err := mgr.syncer.SyncRepos(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, res)
}

// SyncPermissions godoc
// @Summary Sync collaborator permissions into project roles
// @Tags Github
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body PermissionSyncReq false "repositories to sync"
// @Success 200 {object} resputil.Response[githubsync.PermissionSyncResult] "Outcome counts and warnings"
// @Router /api/v1/github/{workspace}/permissions/sync [post]
func (mgr *GithubMgr) SyncPermissions(c *gin.Context) {
	var req PermissionSyncReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			resputil.BadRequestError(c, err.Error())
			return
		}
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	res, err := mgr.syncer.SyncRepoPermissions(c, ws.ID, req.RepoIDs)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, res)
}

// ListTeamMappings godoc
// @Summary List GitHub team mappings
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[[]model.GithubTeamMapping] "Mappings in apply order"
// @Router /api/v1/github/{workspace}/team-mappings [get]
func (mgr *GithubMgr) ListTeamMappings(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	rows, err := mgr.admin.ListTeamMappings(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// CreateTeamMapping godoc
// @Summary Map a GitHub team to a workspace or project role
// @Tags Github
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param req body reconciler.TeamMappingRequest true "mapping"
// @Success 200 {object} resputil.Response[model.GithubTeamMapping] "Mapping"
// @Failure 400 {object} resputil.Response[any] "Request parameter error"
// @Router /api/v1/github/{workspace}/team-mappings [post]
func (mgr *GithubMgr) CreateTeamMapping(c *gin.Context) {
	var req reconciler.TeamMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	m, err := mgr.admin.CreateTeamMapping(c, util.GetPrincipal(c).String(), ws.ID, req)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, m)
}

// UpdateTeamMapping godoc
// @Summary Replace a GitHub team mapping
// @Tags Github
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param id path int true "mapping id"
// @Param req body reconciler.TeamMappingRequest true "mapping"
// @Success 200 {object} resputil.Response[model.GithubTeamMapping] "Mapping"
// @Failure 404 {object} resputil.Response[any] "Mapping not found"
// @Router /api/v1/github/{workspace}/team-mappings/{id} [put]
func (mgr *GithubMgr) UpdateTeamMapping(c *gin.Context) {
	var req reconciler.TeamMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	m, err := mgr.admin.UpdateTeamMapping(c, util.GetPrincipal(c).String(), ws.ID, id, req)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, m)
}

// DeleteTeamMapping godoc
// @Summary Delete a GitHub team mapping
// @Description memberships the mapping granted stay until the next add_and_remove sync
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param id path int true "mapping id"
// @Success 200 {object} resputil.Response[any] "Deleted"
// @Router /api/v1/github/{workspace}/team-mappings/{id} [delete]
func (mgr *GithubMgr) DeleteTeamMapping(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	if err := mgr.admin.DeleteTeamMapping(c, util.GetPrincipal(c).String(), ws.ID, id); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}

// ReconcileTeams godoc
// @Summary Apply every enabled team mapping now
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[reconciler.Result] "Outcome counts, unmatched users and warnings"
// @Router /api/v1/github/{workspace}/team-mappings/reconcile [post]
func (mgr *GithubMgr) ReconcileTeams(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	res, err := mgr.reconciler.ReconcileWorkspace(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, res)
}

// ListUserLinks godoc
// @Summary List the GitHub logins linked to users
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[[]model.GithubUserLink] "Links"
// @Router /api/v1/github/{workspace}/user-links [get]
func (mgr *GithubMgr) ListUserLinks(c *gin.Context) {
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleAdmin)
	if !ok {
		return
	}
	rows, err := mgr.admin.ListUserLinks(c, ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// linkRole is the workspace role needed to manage the link of userID: members manage their own.
func linkRole(c *gin.Context, userID uint) model.WorkspaceRole {
	p := util.GetPrincipal(c)
	if !p.IsMachine() && p.UserID == userID {
		return model.WorkspaceRoleMember
	}
	return model.WorkspaceRoleAdmin
}

// LinkUser godoc
// @Summary Link a user to a GitHub login
// @Description members may link themselves, ADMIN may link anyone
// @Tags Github
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param userId path int true "user id"
// @Param req body UserLinkReq true "GitHub login"
// @Success 200 {object} resputil.Response[model.GithubUserLink] "Link"
// @Failure 400 {object} resputil.Response[any] "Login already linked to another user"
// @Router /api/v1/github/{workspace}/user-links/{userId} [put]
func (mgr *GithubMgr) LinkUser(c *gin.Context) {
	var req UserLinkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, linkRole(c, userID))
	if !ok {
		return
	}
	link, err := mgr.admin.LinkUser(c, util.GetPrincipal(c).String(), ws.ID, userID, req.GithubLogin, req.GithubUserID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, link)
}

// UnlinkUser godoc
// @Summary Remove the GitHub login of a user
// @Tags Github
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param userId path int true "user id"
// @Success 200 {object} resputil.Response[any] "Unlinked"
// @Router /api/v1/github/{workspace}/user-links/{userId} [delete]
func (mgr *GithubMgr) UnlinkUser(c *gin.Context) {
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	ws, _, ok := requireWorkspace(c, mgr.db, mgr.access, linkRole(c, userID))
	if !ok {
		return
	}
	if err := mgr.admin.UnlinkUser(c, util.GetPrincipal(c).String(), ws.ID, userID); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}
