package handler

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/internal/util"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/cronjob"
	"github.com/raids-lab/memoria/pkg/githubsync"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/resolver"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

type Manager interface {
	GetName() string
	RegisterPublic(group *gin.RouterGroup)
	RegisterProtected(group *gin.RouterGroup)
	RegisterAdmin(group *gin.RouterGroup)
}

// RegisterConfig carries the services the managers are built from.
type RegisterConfig struct {
	DB             *gorm.DB
	Audit          audit.Recorder
	Tokens         *util.TokenManager
	ServiceToken   string
	Access         *access.Service
	Resolver       *resolver.Resolver
	Mappings       *mapping.Store
	Syncer         *githubsync.Syncer
	Reconciler     *reconciler.Reconciler
	TeamAdmin      *reconciler.Admin
	WebhookQueue   *webhookqueue.Queue
	CronJobManager *cronjob.CronJobManager
}

// Registers holds the constructors of every manager. Handler files append to it from init.
var Registers []func(*RegisterConfig) Manager
