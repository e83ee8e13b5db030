package notification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/societynotify/pkg/event"
)

// fetchRetryDelay は読み込みエラー後に再試行するまでの待ち時間。
const fetchRetryDelay = time.Second

// MessageReader はKafkaからメッセージを読み込みコミットする。*kafka.Reader が実装する。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier は確定済みの業務イベントを通知として配信する。*Dispatcher が実装する。
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, msg Message)
}

// ConsumerConfig はKafkaコンシューマーの接続設定。
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader は設定からkafka.Readerを生成する。
func NewKafkaReader(cfg ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Consumer はソーシャルイベントを購読し、通知として配信する。
type Consumer struct {
	reader   MessageReader
	notifier Notifier
	logger   zerolog.Logger
	metrics  *Metrics
}

// NewConsumer はConsumerを生成する。metricsはnilでもよい。
func NewConsumer(reader MessageReader, notifier Notifier, logger zerolog.Logger, metrics *Metrics) *Consumer {
	return &Consumer{
		reader:   reader,
		notifier: notifier,
		logger:   logger.With().Str("component", "consumer").Logger(),
		metrics:  metrics,
	}
}

// Run はctxがキャンセルされるまでメッセージを処理する。
// デコードできないメッセージはログに記録した上でコミットし、読み飛ばす。
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	c.logger.Info().Msg("ソーシャルイベントの購読を開始します")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("ソーシャルイベントの購読を停止します")
				return nil
			}
			c.logger.Error().Err(err).Msg("メッセージの取得に失敗しました")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		if err := c.Handle(ctx, m.Value); err != nil {
			c.logger.Warn().Err(err).
				Str("topic", m.Topic).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("メッセージを読み飛ばしました")
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", m.Offset).Msg("オフセットのコミットに失敗しました")
		}
	}
}

// Handle は1件のメッセージを通知として配信する。
// デコードできないメッセージの場合のみエラーを返す。配信の失敗はNotifierが記録する。
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	ev, err := event.Decode(value)
	if err != nil {
		if errors.Is(err, event.ErrNoRecipients) {
			c.metrics.eventConsumed(outcomeSkipped)
			return nil
		}
		c.metrics.eventConsumed(outcomeMalformed)
		return err
	}

	recipients, msg, err := Compose(ev)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			c.logger.Debug().Str("eventType", string(ev.EventType)).Msg("通知対象外のイベントです")
			c.metrics.eventConsumed(outcomeSkipped)
			return nil
		}
		c.metrics.eventConsumed(outcomeMalformed)
		return err
	}
	if len(recipients) == 0 {
		c.metrics.eventConsumed(outcomeSkipped)
		return nil
	}

	c.notifier.Notify(ctx, recipients, msg)
	c.metrics.eventConsumed(outcomeDispatched)
	return nil
}
