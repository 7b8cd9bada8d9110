package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vigil-sec/vigil/internal/models"
)

// Kafka publishes alerts and action outcomes to a broker topic so that
// SOC tooling downstream can consume them without polling the API.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka builds a publisher for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.LeastBytes{},
		},
	}
}

type envelope struct {
	Kind    string `json:"kind"` // alert or action
	Payload any    `json:"payload"`
}

func (k *Kafka) publish(ctx context.Context, key string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
}

func (k *Kafka) NotifyAlert(ctx context.Context, alert models.Alert) error {
	return k.publish(ctx, alert.AssetID, envelope{Kind: "alert", Payload: alert})
}

func (k *Kafka) NotifyAction(ctx context.Context, action models.ResponseActionRecord) error {
	return k.publish(ctx, action.AssetID, envelope{Kind: "action", Payload: action})
}

func (k *Kafka) NotifyScore(ctx context.Context, score models.RiskScoreRecord) error {
	return k.publish(ctx, score.AssetID, envelope{Kind: "score", Payload: score})
}

// Close flushes pending messages and releases the connection.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
