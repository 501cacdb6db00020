// Package notify provides the notification send chain: SES email, SNS SMS
// and a Kafka relay, backed by a mock sender that always succeeds.
package notify

import (
	"context"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

// Message is one outbound notification. ID is the idempotency key and
// matches the Notification record id.
type Message struct {
	ID        string
	Channel   api.Channel
	Recipient string
	Subject   string
	Body      string
}

// Receipt is the provider's acknowledgement.
type Receipt struct {
	MessageID string
}

// Provider is a notification sender.
type Provider = chain.Provider[Message, Receipt]

// Chain is the notification chain.
type Chain = chain.Chain[Message, Receipt]

// NewChain builds the notification chain and always appends the mock sender.
func NewChain(providers []Provider, opts ...chain.Option) *Chain {
	all := append(append([]Provider{}, providers...), Mock{})
	return chain.New("notify", all, opts...)
}

// Mock accepts every message without sending it.
type Mock struct{}

var _ Provider = Mock{}

func (Mock) Name() string    { return "mock" }
func (Mock) Priority() int   { return chain.FallbackPriority }
func (Mock) Available() bool { return true }

func (Mock) Attempt(_ context.Context, msg Message) (Receipt, error) {
	return Receipt{MessageID: "mock-" + msg.ID}, nil
}
