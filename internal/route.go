package internal

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/raids-lab/memoria/docs"
	"github.com/raids-lab/memoria/internal/handler"
	"github.com/raids-lab/memoria/internal/middleware"
)

const APIPrefix = "/api/v1"

// Register builds the gin engine. Every manager gets a public group at /<name>, a protected group at
// /api/v1/<name> and an admin group at /api/v1/admin/<name>.
func Register(config *handler.RegisterConfig) *gin.Engine {
	r := gin.Default()

	// Kubernetes health check
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
		})
	})

	managers := registerManagers(config)

	///////////////////////////////////////
	//// Public routers, no need login ////
	///////////////////////////////////////

	publicRouter := r.Group("/")

	///////////////////////////////////////
	//// Protected routers, need login ////
	///////////////////////////////////////

	auth := middleware.AuthProtected(config.DB, config.Tokens, config.ServiceToken)
	protectedRouter := r.Group(APIPrefix, auth)

	///////////////////////////////////////
	//// Admin routers, need admin role ///
	///////////////////////////////////////

	adminRouter := r.Group(APIPrefix+"/admin", auth, middleware.AuthAdmin())

	for _, mgr := range managers {
		mgr.RegisterPublic(publicRouter.Group(mgr.GetName()))
		mgr.RegisterProtected(protectedRouter.Group(mgr.GetName()))
		mgr.RegisterAdmin(adminRouter.Group(mgr.GetName()))
	}

	// Swagger
	docs.SwaggerInfo.BasePath = "/"
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
