package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"collabCore/backend/internal/oplog"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Submit 只负责入队，不被 Kafka 阻塞
// - Kafka 短暂抖动靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃（提交广播是尽力而为，不要求每条必达）
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	origin   string

	queue chan DocOpEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger zerolog.Logger
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic, origin string, sem *SemaphoreControl, opt KafkaDispatcherOptions, logger zerolog.Logger) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		origin:      origin,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      logger.With().Str("component", "kafka-dispatcher").Logger(),
	}
	d.start()
	return d
}

// EnqueueCommitted 把已提交操作包成事件放入本地队列。
// 队列满时等待到 ctx 结束为止。
func (d *KafkaDispatcher) EnqueueCommitted(ctx context.Context, op oplog.CommittedOp) error {
	evt := DocOpEvent{
		EventType:   eventTypeOpCommitted,
		Origin:      d.origin,
		DocID:       op.DocumentID,
		OperationID: op.OperationID,
		AuthorID:    op.AuthorID,
		BaseVersion: op.BaseVersion,
		Components:  op.Components,
		AppliedAt:   op.AppliedAt,
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 可以一直等，不影响提交链路
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.logger.Error().Err(err).
				Str("docId", evt.DocID).
				Str("operationId", evt.OperationID).
				Int("worker", workerID).
				Msg("kafka send failed, event dropped")
			return
		}

		// 指数退避，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 按文档分区，同一文档的事件保持有序
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
