package alert

import (
	"context"
	"fmt"

	imrocreq "github.com/imroc/req/v3"
)

// Message 是发送到机器人的消息结构体
type Message struct {
	Msgtype string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type wpsRobot struct {
	address string
	client  *imrocreq.Client
}

func newWPSRobot(address string) alertHandlerInterface {
	return &wpsRobot{address: address, client: imrocreq.C()}
}

// SendMessage 发送文本消息到 WPS 群聊
func (w *wpsRobot) SendMessage(ctx context.Context, subject, body string) error {
	msg := Message{Msgtype: "text"}
	msg.Text.Content = subject + "\n" + body

	resp, err := w.client.R().SetContext(ctx).SetBody(&msg).Post(w.address)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("robot webhook answered %s", resp.Status)
	}
	return nil
}
