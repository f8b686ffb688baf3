package alert

import (
	"context"

	"gopkg.in/gomail.v2"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/pkg/config"
)

type SMTPAlerter struct {
	from string
	to   []string

	send func(m ...*gomail.Message) error
}

func newSMTPAlerter(cfg *config.Config) alertHandlerInterface {
	c := cfg.Alert.SMTP
	dialer := gomail.NewDialer(c.Host, c.Port, c.User, c.Password)
	from := c.From
	if from == "" {
		from = c.User
	}
	return &SMTPAlerter{from: from, to: c.Notify, send: dialer.DialAndSend}
}

func (sa *SMTPAlerter) SendMessage(_ context.Context, subject, body string) error {
	if len(sa.to) == 0 {
		klog.Warningf("no alert receivers configured, dropping %q", subject)
		return nil
	}
	m := gomail.NewMessage()
	m.SetHeader("From", sa.from)
	m.SetHeader("To", sa.to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := sa.send(m); err != nil {
		klog.Errorf("Failed to send email to %v: %v", sa.to, err)
		return err
	}
	klog.Infof("Sent email to %v", sa.to)
	return nil
}
