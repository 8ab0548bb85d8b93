package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher 消息发布端，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder 把 Hub 上的事件转发到消息系统
type Forwarder struct {
	hub     *Hub
	pub     Publisher
	subject string
}

// NewForwarder 创建转发器；subject 为主题前缀，实际主题追加实体类型
func NewForwarder(hub *Hub, pub Publisher, subject string) *Forwarder {
	if subject == "" {
		subject = "trail.versions"
	}
	return &Forwarder{hub: hub, pub: pub, subject: subject}
}

// ConnectNATS 建立带自动重连的 NATS 连接
func ConnectNATS(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("worktrail"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS 连接断开", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS 已重连", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Warn("NATS 连接已关闭")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	slog.Info("NATS 已连接", "url", url)
	return conn, nil
}

// Subject 事件对应的主题
func (f *Forwarder) Subject(evt Event) string {
	itemType, _ := evt.Data["item_type"].(string)
	if itemType == "" {
		return f.subject
	}
	return f.subject + "." + strings.ToLower(itemType)
}

// Run 持续转发直到 ctx 结束；单条发布失败只记录日志
func (f *Forwarder) Run(ctx context.Context) {
	ch := f.hub.Subscribe(ctx, 256)
	for evt := range ch {
		if err := f.forward(evt); err != nil {
			slog.Warn("转发版本事件失败", "type", evt.Type, "error", err)
		}
	}
}

func (f *Forwarder) forward(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := f.pub.Publish(f.Subject(evt), data); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}
