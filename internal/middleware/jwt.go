package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
)

const serviceName = "token"

// AuthProtected accepts a user access token or the configured service token. Service token callers
// become the service principal, which acts as OWNER of every workspace.
func AuthProtected(db *gorm.DB, tokens *util.TokenManager, serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.Request.Header.Get("Authorization")
		t := strings.Split(authHeader, " ")
		if len(t) != 2 || t[0] != "Bearer" || t[1] == "" {
			resputil.HTTPError(c, http.StatusUnauthorized, "Invalid token", resputil.TokenInvalid)
			c.Abort()
			return
		}
		authToken := t[1]

		if serviceToken != "" && subtle.ConstantTimeCompare([]byte(authToken), []byte(serviceToken)) == 1 {
			util.SetPrincipal(c, access.Principal{Kind: model.PrincipalService, Name: serviceName})
			c.Next()
			return
		}

		token, err := tokens.CheckToken(authToken)
		if err != nil {
			resputil.HTTPError(c, http.StatusUnauthorized, err.Error(), resputil.TokenExpired)
			c.Abort()
			return
		}

		// 如果查询方法不是 GET (e.g. POST, PUT, DELETE), 从数据库中校验用户状态
		if c.Request.Method != http.MethodGet {
			user := &model.User{}
			if err := db.WithContext(c).First(user, token.UserID).Error; err != nil {
				resputil.HTTPError(c, http.StatusUnauthorized, "User not found", resputil.TokenInvalid)
				c.Abort()
				return
			}
			if user.Status != model.StatusActive {
				resputil.HTTPError(c, http.StatusUnauthorized, "User is inactive", resputil.TokenInvalid)
				c.Abort()
				return
			}
		}

		util.SetPrincipal(c, access.Principal{Kind: model.PrincipalUser, UserID: token.UserID, Name: token.Username})
		c.Next()
	}
}

// AuthAdmin lets only machine principals through.
func AuthAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !util.GetPrincipal(c).IsMachine() {
			resputil.HTTPError(c, http.StatusForbidden, "Not Admin", resputil.UserNotAllowed)
			c.Abort()
			return
		}
		c.Next()
	}
}
