package event

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/servicecomb/clog"
	"github.com/ceyewan/servicecomb/xerrors"
)

// Publisher 发布原始消息的能力，*nats.Conn 满足该接口
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forward 把 topic 上的事件以 JSON 形式转发到 subject。
// 转发失败只记录日志，不影响进程内其他订阅者。
func Forward[E any](topic *Topic[E], pub Publisher, subject string, logger clog.Logger) (unsubscribe func()) {
	if logger == nil {
		logger = clog.Discard()
	}
	logger = logger.WithNamespace("event").With(clog.String("subject", subject))
	return topic.Subscribe(func(e E) {
		data, err := json.Marshal(e)
		if err != nil {
			logger.Error("encode event failed", clog.Error(err))
			return
		}
		if err := pub.Publish(subject, data); err != nil {
			logger.Warn("forward event failed", clog.Error(err))
		}
	})
}

// Relay 订阅 NATS subject，把收到的消息解码后发布到 topic。
// 用于让多个进程共享同一条推送通道，例如把 watch 推送转发给同机的其他实例。
func Relay[E any](conn *nats.Conn, subject string, topic *Topic[E], logger clog.Logger) (*nats.Subscription, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "nil nats connection")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	logger = logger.WithNamespace("event").With(clog.String("subject", subject))
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var e E
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			logger.Warn("decode relayed event failed", clog.Error(err))
			return
		}
		topic.Publish(e)
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "subscribe %s", subject)
	}
	return sub, nil
}
