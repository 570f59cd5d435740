package collab

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// RemoteOpHandler 收到其他进程提交的操作时回调（Hub 用它向本进程的连接广播）。
type RemoteOpHandler func(evt DocOpEvent)

// KafkaConsumer 消费 doc-ops 主题，把其他进程的已提交操作
// 送进本进程的广播链路。自己发出的事件（Origin 相同）直接丢弃。
type KafkaConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	origin  string
	handler RemoteOpHandler
	logger  zerolog.Logger
}

func NewKafkaConsumer(group sarama.ConsumerGroup, topic, origin string, handler RemoteOpHandler, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		group:   group,
		topic:   topic,
		origin:  origin,
		handler: handler,
		logger:  logger.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Run 阻塞消费直到 ctx 取消。rebalance 后 Consume 会正常返回，循环重进。
func (c *KafkaConsumer) Run(ctx context.Context) {
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			c.logger.Error().Err(err).Msg("consume failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// sarama.ConsumerGroupHandler

func (c *KafkaConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt DocOpEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			c.logger.Warn().Err(err).Msg("drop malformed op event")
			session.MarkMessage(msg, "")
			continue
		}
		if evt.EventType == eventTypeOpCommitted && evt.Origin != c.origin {
			c.handler(evt)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
