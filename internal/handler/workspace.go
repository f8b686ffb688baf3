package handler

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/settings"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewWorkspaceMgr)
}

type WorkspaceMgr struct {
	name   string
	db     *gorm.DB
	access *access.Service
}

func NewWorkspaceMgr(conf *RegisterConfig) Manager {
	return &WorkspaceMgr{
		name:   "workspaces",
		db:     conf.DB,
		access: conf.Access,
	}
}

func (mgr *WorkspaceMgr) GetName() string { return mgr.name }

func (mgr *WorkspaceMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *WorkspaceMgr) RegisterProtected(g *gin.RouterGroup) {
	g.GET("/:workspace/members", mgr.ListMembers)
	g.PUT("/:workspace/members/:userId", mgr.SetMember)
	g.DELETE("/:workspace/members/:userId", mgr.RemoveMember)
}

func (mgr *WorkspaceMgr) RegisterAdmin(_ *gin.RouterGroup) {}

// ListMembers godoc
// @Summary List the members of a workspace
// @Tags Workspace
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[[]model.WorkspaceMember] "Members"
// @Failure 403 {object} resputil.Response[any] "Not a member"
// @Router /api/v1/workspaces/{workspace}/members [get]
func (mgr *WorkspaceMgr) ListMembers(c *gin.Context) {
	ws, err := settings.LoadWorkspace(c, mgr.db, c.Param("workspace"))
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	rows, err := mgr.access.ListWorkspaceMembers(c, util.GetPrincipal(c), ws.ID)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, rows)
}

// SetMember godoc
// @Summary Add a workspace member or change their role
// @Description requires ADMIN, and OWNER to grant or change OWNER, the last OWNER cannot be demoted
// @Tags Workspace
// @Accept json
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param userId path int true "user id"
// @Param req body RoleReq true "MEMBER, ADMIN or OWNER"
// @Success 200 {object} resputil.Response[model.WorkspaceMember] "Member"
// @Failure 400 {object} resputil.Response[any] "Unknown role or last OWNER"
// @Failure 403 {object} resputil.Response[any] "Not allowed"
// @Router /api/v1/workspaces/{workspace}/members/{userId} [put]
func (mgr *WorkspaceMgr) SetMember(c *gin.Context) {
	var req RoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	ws, err := settings.LoadWorkspace(c, mgr.db, c.Param("workspace"))
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	member, err := mgr.access.SetWorkspaceMemberRole(c, util.GetPrincipal(c), ws.ID, userID, req.Role)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, member)
}

// RemoveMember godoc
// @Summary Remove a workspace member
// @Description the user's project memberships in the workspace go with it, the last OWNER cannot be removed
// @Tags Workspace
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Param userId path int true "user id"
// @Success 200 {object} resputil.Response[any] "Removed"
// @Failure 400 {object} resputil.Response[any] "Last OWNER"
// @Failure 403 {object} resputil.Response[any] "Not allowed"
// @Router /api/v1/workspaces/{workspace}/members/{userId} [delete]
func (mgr *WorkspaceMgr) RemoveMember(c *gin.Context) {
	userID, ok := uintParam(c, "userId")
	if !ok {
		return
	}
	ws, err := settings.LoadWorkspace(c, mgr.db, c.Param("workspace"))
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	if err := mgr.access.RemoveWorkspaceMember(c, util.GetPrincipal(c), ws.ID, userID); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, nil)
}
