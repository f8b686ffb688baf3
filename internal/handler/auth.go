package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/apperr"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewAuthMgr)
}

type AuthMgr struct {
	name   string
	db     *gorm.DB
	tokens *util.TokenManager
}

func NewAuthMgr(conf *RegisterConfig) Manager {
	return &AuthMgr{
		name:   "auth",
		db:     conf.DB,
		tokens: conf.Tokens,
	}
}

func (mgr *AuthMgr) GetName() string { return mgr.name }

func (mgr *AuthMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *AuthMgr) RegisterProtected(_ *gin.RouterGroup) {}

func (mgr *AuthMgr) RegisterAdmin(g *gin.RouterGroup) {
	g.POST("/tokens", mgr.IssueToken)
}

type (
	IssueTokenReq struct {
		UserID   uint   `json:"userId"`
		Username string `json:"username"`
	}
	IssueTokenResp struct {
		AccessToken string `json:"accessToken"`
		UserID      uint   `json:"userId"`
		Username    string `json:"username"`
	}
)

// IssueToken godoc
// @Summary Issue an access token for a user
// @Description the identity provider in front of the service calls this with the service token
// @Tags Auth
// @Accept json
// @Produce json
// @Security Bearer
// @Param req body IssueTokenReq true "user id or name"
// @Success 200 {object} resputil.Response[IssueTokenResp] "Access token"
// @Failure 404 {object} resputil.Response[any] "User not found"
// @Router /api/v1/admin/auth/tokens [post]
func (mgr *AuthMgr) IssueToken(c *gin.Context) {
	var req IssueTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	if req.UserID == 0 && req.Username == "" {
		resputil.FromError(c, apperr.Validation("userId", "userId or username is required"))
		return
	}

	user := &model.User{}
	tx, ref := mgr.db.WithContext(c), req.Username
	if req.UserID != 0 {
		tx, ref = tx.Where("id = ?", req.UserID), strconv.FormatUint(uint64(req.UserID), 10)
	} else {
		tx = tx.Where(&model.User{Name: req.Username})
	}
	if err := tx.Take(user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = apperr.NotFound("user", ref)
		}
		resputil.FromError(c, err)
		return
	}
	if user.Status != model.StatusActive {
		resputil.FromError(c, apperr.Validation("userId", "user %s is not active", user.Name))
		return
	}

	token, err := mgr.tokens.CreateToken(&util.JWTMessage{UserID: user.ID, Username: user.Name})
	if err != nil {
		resputil.Error(c, err.Error(), resputil.ServiceError)
		return
	}
	resputil.Success(c, IssueTokenResp{AccessToken: token, UserID: user.ID, Username: user.Name})
}
