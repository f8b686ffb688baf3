package operations

import (
	"github.com/gin-gonic/gin"

	"github.com/raids-lab/memoria/internal/handler"
	"github.com/raids-lab/memoria/pkg/cronjob"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	handler.Registers = append(handler.Registers, NewOperationsMgr)
}

type OperationsMgr struct {
	name           string
	cronJobManager *cronjob.CronJobManager
	queue          *webhookqueue.Queue
}

func NewOperationsMgr(conf *handler.RegisterConfig) handler.Manager {
	return &OperationsMgr{
		name:           "operations",
		cronJobManager: conf.CronJobManager,
		queue:          conf.WebhookQueue,
	}
}

func (mgr *OperationsMgr) GetName() string { return mgr.name }

func (mgr *OperationsMgr) RegisterPublic(_ *gin.RouterGroup) {
}

func (mgr *OperationsMgr) RegisterProtected(_ *gin.RouterGroup) {
}

func (mgr *OperationsMgr) RegisterAdmin(g *gin.RouterGroup) {
	g.GET("/cronjob", mgr.GetCronjobConfigs)
	g.PUT("/cronjob", mgr.UpdateCronjobConfig)
	g.GET("/cronjob/names", mgr.GetCronjobNames)
	g.POST("/cronjob/record", mgr.GetCronjobRecords)
	g.DELETE("/cronjob/record", mgr.DeleteCronjobRecords)

	g.GET("/webhook-events", mgr.ListWebhookEvents)
	g.POST("/webhook-events/:id/replay", mgr.ReplayWebhookEvent)
}
