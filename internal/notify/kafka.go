package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaSender hands notifications to a downstream mailer through a Kafka
// topic. The broker's ack is the success signal.
type KafkaSender struct {
	producer sarama.SyncProducer
	topic    string
}

// NewSaramaConfig returns a producer config that waits for all replicas
// and never retries, so a send is attempted at most once.
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 0
	config.Producer.Return.Successes = true
	return config
}

func DialKafka(brokers []string, topic string) (*KafkaSender, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSender(producer, topic), nil
}

func NewKafkaSender(producer sarama.SyncProducer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic}
}

func (s *KafkaSender) Send(_ context.Context, destination, templateID string, params map[string]string) error {
	value, err := json.Marshal(payload{
		TemplateID:     templateID,
		TemplateParams: templateParams(destination, params),
	})
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(destination),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (s *KafkaSender) Close() error {
	return s.producer.Close()
}
