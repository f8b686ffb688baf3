package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/settings"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewContextMgr)
}

type ContextMgr struct {
	name   string
	db     *gorm.DB
	access *access.Service
}

func NewContextMgr(conf *RegisterConfig) Manager {
	return &ContextMgr{
		name:   "context",
		db:     conf.DB,
		access: conf.Access,
	}
}

func (mgr *ContextMgr) GetName() string { return mgr.name }

func (mgr *ContextMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *ContextMgr) RegisterProtected(g *gin.RouterGroup) {
	g.GET("", mgr.GetContext)
	g.GET("/:workspace", mgr.GetWorkspaceContext)
}

func (mgr *ContextMgr) RegisterAdmin(_ *gin.RouterGroup) {}

type (
	ContextResp struct {
		Principal  string                `json:"principal"`
		Kind       model.PrincipalKind   `json:"kind"`
		UserID     uint                  `json:"userId,omitempty"`
		Workspaces []WorkspaceMembership `json:"workspaces"`
	}
	WorkspaceMembership struct {
		ID   uint                `json:"id"`
		Key  string              `json:"key"`
		Name string              `json:"name"`
		Role model.WorkspaceRole `json:"role"`
	}
	WorkspaceContextResp struct {
		Workspace WorkspaceMembership     `json:"workspace"`
		Settings  model.WorkspaceSettings `json:"settings"`
	}
)

// GetContext godoc
// @Summary Get the caller context
// @Description principal and the workspaces the caller belongs to
// @Tags Context
// @Produce json
// @Security Bearer
// @Success 200 {object} resputil.Response[ContextResp] "Caller context"
// @Failure 401 {object} resputil.Response[any] "Invalid token"
// @Router /api/v1/context [get]
func (mgr *ContextMgr) GetContext(c *gin.Context) {
	p := util.GetPrincipal(c)
	resp := ContextResp{Principal: p.String(), Kind: p.Kind, UserID: p.UserID, Workspaces: []WorkspaceMembership{}}
	if !p.IsMachine() {
		var rows []WorkspaceMembership
		err := mgr.db.WithContext(c).Model(&model.WorkspaceMember{}).
			Select("workspaces.id, workspaces.key, workspaces.name, workspace_members.role").
			Joins("JOIN workspaces ON workspaces.id = workspace_members.workspace_id AND workspaces.deleted_at IS NULL").
			Where("workspace_members.user_id = ?", p.UserID).
			Order("workspaces.id").
			Scan(&rows).Error
		if err != nil {
			resputil.FromError(c, err)
			return
		}
		resp.Workspaces = append(resp.Workspaces, rows...)
	}
	resputil.Success(c, resp)
}

// GetWorkspaceContext godoc
// @Summary Get the caller role and the settings of a workspace
// @Tags Context
// @Produce json
// @Security Bearer
// @Param workspace path string true "workspace key or id"
// @Success 200 {object} resputil.Response[WorkspaceContextResp] "Workspace context"
// @Failure 403 {object} resputil.Response[any] "Not a member"
// @Failure 404 {object} resputil.Response[any] "Workspace not found"
// @Router /api/v1/context/{workspace} [get]
func (mgr *ContextMgr) GetWorkspaceContext(c *gin.Context) {
	ws, role, ok := requireWorkspace(c, mgr.db, mgr.access, model.WorkspaceRoleMember)
	if !ok {
		return
	}
	resputil.Success(c, WorkspaceContextResp{
		Workspace: WorkspaceMembership{ID: ws.ID, Key: ws.Key, Name: ws.Name, Role: role},
		Settings:  ws.Settings.Data(),
	})
}

// requireWorkspace loads the :workspace path parameter and asserts the caller holds at least required.
// It answers the request itself when ok is false.
func requireWorkspace(
	c *gin.Context,
	db *gorm.DB,
	svc *access.Service,
	required model.WorkspaceRole,
) (ws *model.Workspace, role model.WorkspaceRole, ok bool) {
	ws, err := settings.LoadWorkspace(c, db, c.Param("workspace"))
	if err != nil {
		resputil.FromError(c, err)
		return nil, "", false
	}
	role, err = svc.AssertWorkspaceAccess(c, util.GetPrincipal(c), ws.ID, required)
	if err != nil {
		resputil.FromError(c, err)
		return nil, "", false
	}
	return ws, role, true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		resputil.FromError(c, apperr.Validation(name, "must be a positive integer"))
		return 0, false
	}
	return uint(id), true
}
