package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/nao1215/societynotify/pkg/event"
)

// Publisher はソーシャルイベントをKafkaへ書き込む。
// 業務サービス側の発行処理と同じ形式で、動作確認用のCLIから使う。
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher はbrokersのtopicへ書き込むPublisherを生成する。
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish はイベントを集約IDをキーとして書き込む。
func (p *Publisher) Publish(ctx context.Context, ev *event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("Kafkaへの書き込みに失敗: %w", err)
	}
	return nil
}

// Close は書き込み中のメッセージを送り切ってから接続を閉じる。
func (p *Publisher) Close() error {
	return p.writer.Close()
}
