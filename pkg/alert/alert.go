package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/config"
)

type alertMgr struct {
	handlers []alertHandlerInterface
}

var (
	once    sync.Once
	alerter *alertMgr
)

func GetAlertMgr() AlertInterface {
	once.Do(func() {
		alerter = initAlertMgr(config.GetConfig())
	})
	return alerter
}

// initAlertMgr 根据配置选择通知渠道，未开启告警时不发送任何消息
func initAlertMgr(cfg *config.Config) *alertMgr {
	mgr := &alertMgr{}
	if !cfg.Alert.Enable {
		klog.Info("alert is disabled")
		return mgr
	}
	if cfg.Alert.SMTP.Host != "" {
		mgr.handlers = append(mgr.handlers, newSMTPAlerter(cfg))
	}
	if cfg.Alert.Robot.WebhookAddress != "" {
		mgr.handlers = append(mgr.handlers, newWPSRobot(cfg.Alert.Robot.WebhookAddress))
	}
	return mgr
}

func (a *alertMgr) send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, h := range a.handlers {
		if err := h.SendMessage(ctx, subject, body); err != nil {
			klog.Errorf("send alert %q: %v", subject, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *alertMgr) WebhookEventFailed(ctx context.Context, event *model.GithubWebhookEvent) error {
	subject := "GitHub webhook 处理失败"
	body := fmt.Sprintf("事件 %s (%s, delivery %s, installation %d) 已尝试 %d 次仍然失败：%s",
		event.Event, event.Action, event.DeliveryID, event.InstallationID, event.Attempts, event.LastError)
	return a.send(ctx, subject, body)
}

func (a *alertMgr) WebhookSignatureFailed(ctx context.Context, deliveryID, event, remoteAddr string) error {
	subject := "GitHub webhook 签名校验失败"
	body := fmt.Sprintf("来自 %s 的 %s 事件 (delivery %s) 签名无效，已拒绝。", remoteAddr, event, deliveryID)
	return a.send(ctx, subject, body)
}
