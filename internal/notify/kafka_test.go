package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaSenderPublishesPayload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var p payload
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		if p.TemplateID != "tpl" || p.TemplateParams["to_email"] != "staff@corretora.pt" {
			return fmt.Errorf("unexpected payload %+v", p)
		}
		return nil
	})

	s := NewKafkaSender(producer, "chat.notifications")
	if err := s.Send(context.Background(), "staff@corretora.pt", "tpl", map[string]string{"message": "Olá"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestKafkaSenderReportsBrokerFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	s := NewKafkaSender(producer, "chat.notifications")
	err := s.Send(context.Background(), "d", "t", nil)
	if !errors.Is(err, sarama.ErrNotEnoughReplicas) {
		t.Fatalf("err = %v", err)
	}
	s.Close()
}

func TestSaramaConfigNeverRetries(t *testing.T) {
	c := NewSaramaConfig()
	if c.Producer.Retry.Max != 0 || !c.Producer.Return.Successes {
		t.Fatalf("producer config = %+v", c.Producer)
	}
}
