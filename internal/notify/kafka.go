package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by the relay.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaRelay publishes notifications to a topic consumed by a downstream
// delivery service. It accepts both channels. The message key is the
// notification id so consumers can deduplicate redelivered records.
type KafkaRelay struct {
	writer   MessageWriter
	priority int
	timeout  time.Duration
}

var _ Provider = (*KafkaRelay)(nil)

type relayRecord struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// NewKafkaRelay creates a relay writing to topic on the comma-separated brokers.
func NewKafkaRelay(brokersCSV, topic string, priority int) *KafkaRelay {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 || topic == "" {
		return &KafkaRelay{priority: priority}
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return NewKafkaRelayWithWriter(w, priority)
}

// NewKafkaRelayWithWriter creates a relay around an existing writer.
func NewKafkaRelayWithWriter(w MessageWriter, priority int) *KafkaRelay {
	return &KafkaRelay{writer: w, priority: priority, timeout: 3 * time.Second}
}

func (k *KafkaRelay) Name() string    { return "kafka_relay" }
func (k *KafkaRelay) Priority() int   { return k.priority }
func (k *KafkaRelay) Available() bool { return k.writer != nil }

func (k *KafkaRelay) Attempt(ctx context.Context, msg Message) (Receipt, error) {
	b, err := json.Marshal(relayRecord{
		ID:        msg.ID,
		Channel:   string(msg.Channel),
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return Receipt{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(msg.ID),
		Value: b,
		Time:  time.Now(),
	}); err != nil {
		return Receipt{}, err
	}
	return Receipt{MessageID: "kafka-" + msg.ID}, nil
}

// Close releases the underlying writer.
func (k *KafkaRelay) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
