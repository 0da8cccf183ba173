package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carmarket-be/internal/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Producer.Retry.Max = 5
	return config
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to start Kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, topic), nil
}

func newKafkaPublisher(producer sarama.AsyncProducer, topic string) *KafkaPublisher {
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		done:     make(chan struct{}),
	}

	// Handle errors in separate goroutine
	go func() {
		defer close(p.done)
		for err := range producer.Errors() {
			logger.L().Error("failed to send Kafka message",
				zap.String("topic", err.Msg.Topic),
				zap.Error(err.Err),
			)
		}
	}()

	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	bytes, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(bytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
		},
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes buffered messages and waits for the error drain to finish.
func (p *KafkaPublisher) Close() error {
	err := p.producer.Close()
	<-p.done
	return err
}
