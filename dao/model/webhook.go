package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type GithubWebhookEvent struct {
	gorm.Model
	DeliveryID        string         `gorm:"uniqueIndex;type:varchar(128);not null;comment:X-GitHub-Delivery" json:"deliveryId"`
	Event             string         `gorm:"type:varchar(64);not null;index;comment:X-GitHub-Event" json:"event"`
	Action            string         `gorm:"type:varchar(64);comment:事件动作" json:"action"`
	InstallationID    int64          `gorm:"index;comment:GitHub App 安装ID" json:"installationId"`
	Payload           datatypes.JSON `gorm:"comment:原始请求体" json:"-"`
	Status            WebhookStatus  `gorm:"type:varchar(32);not null;index;default:queued;comment:处理状态" json:"status"`
	Attempts          int            `gorm:"not null;default:0;comment:尝试次数" json:"attempts"`
	LastError         string         `gorm:"type:text;comment:最近一次错误" json:"lastError"`
	AffectedRepoCount int            `gorm:"not null;default:0;comment:受影响的仓库数" json:"affectedRepoCount"`
	ClaimedAt         *time.Time     `gorm:"comment:认领时间" json:"claimedAt"`
	ProcessedAt       *time.Time     `gorm:"comment:处理完成时间" json:"processedAt"`
}

// RecomputeMark is the shared debounce store row for one (workspace, repo) pair.
type RecomputeMark struct {
	WorkspaceID     uint      `gorm:"primaryKey;autoIncrement:false"`
	RepoID          int64     `gorm:"primaryKey;autoIncrement:false"`
	LastRecomputeAt time.Time `gorm:"not null;index"`
}
