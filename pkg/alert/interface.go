package alert

import (
	"context"

	"github.com/raids-lab/memoria/dao/model"
)

// AlertInterface 是封装好的通知组件，目前支持两种场景：
//  1. webhook 事件多次处理失败
//  2. webhook 签名校验失败
type AlertInterface interface {
	WebhookEventFailed(ctx context.Context, event *model.GithubWebhookEvent) error
	WebhookSignatureFailed(ctx context.Context, deliveryID, event, remoteAddr string) error
}

// alertHandlerInterface 是具体的通知渠道对外提供的接口，WPS Robot 和 SMTP 邮件都实现它
type alertHandlerInterface interface {
	SendMessage(ctx context.Context, subject, body string) error
}
