package util

import (
	"github.com/gin-gonic/gin"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/access"
)

const (
	UserIDKey        = "x-user-id"
	UsernameKey      = "x-user-name"
	PrincipalKindKey = "x-principal-kind"
)

func SetPrincipal(c *gin.Context, p access.Principal) {
	c.Set(UserIDKey, p.UserID)
	c.Set(UsernameKey, p.Name)
	c.Set(PrincipalKindKey, p.Kind)
}

// GetPrincipal returns the caller set by the auth middleware, or the zero principal.
func GetPrincipal(c *gin.Context) access.Principal {
	var p access.Principal
	p.UserID = c.GetUint(UserIDKey)
	p.Name = c.GetString(UsernameKey)
	if kind, ok := c.Get(PrincipalKindKey); ok {
		p.Kind, _ = kind.(model.PrincipalKind)
	}
	return p
}
