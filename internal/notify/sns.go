package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

// SMSAPI is the subset of the SNS client used here.
type SMSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS sends SMS through Amazon SNS direct publish.
type SNS struct {
	client   SMSAPI
	senderID string
	priority int
}

var _ Provider = (*SNS)(nil)

// NewSNS creates the SMS sender from an AWS config.
func NewSNS(cfg aws.Config, senderID string, priority int) *SNS {
	return NewSNSWithClient(sns.NewFromConfig(cfg), senderID, priority)
}

// NewSNSWithClient creates the SMS sender around an existing client.
func NewSNSWithClient(client SMSAPI, senderID string, priority int) *SNS {
	return &SNS{client: client, senderID: senderID, priority: priority}
}

func (s *SNS) Name() string    { return "sns" }
func (s *SNS) Priority() int   { return s.priority }
func (s *SNS) Available() bool { return s.client != nil }

func (s *SNS) Attempt(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Channel != api.ChannelSMS {
		return Receipt{}, chain.ErrNotApplicable
	}
	if msg.Recipient == "" {
		return Receipt{}, chain.Permanent(errors.New("sns: empty phone number"))
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(msg.Recipient),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		var invalid *snstypes.InvalidParameterException
		var denied *snstypes.AuthorizationErrorException
		if errors.As(err, &invalid) || errors.As(err, &denied) {
			return Receipt{}, chain.Permanent(fmt.Errorf("sns: %w", err))
		}
		return Receipt{}, fmt.Errorf("sns: %w", err)
	}
	return Receipt{MessageID: aws.ToString(out.MessageId)}, nil
}
