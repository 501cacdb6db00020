package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

// EmailAPI is the subset of the SES v2 client used here.
type EmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends email through Amazon SES.
type SES struct {
	client    EmailAPI
	fromEmail string
	priority  int
}

var _ Provider = (*SES)(nil)

// NewSES creates the email sender from an AWS config.
func NewSES(cfg aws.Config, fromEmail string, priority int) *SES {
	return NewSESWithClient(sesv2.NewFromConfig(cfg), fromEmail, priority)
}

// NewSESWithClient creates the email sender around an existing client.
func NewSESWithClient(client EmailAPI, fromEmail string, priority int) *SES {
	return &SES{client: client, fromEmail: fromEmail, priority: priority}
}

func (s *SES) Name() string    { return "ses" }
func (s *SES) Priority() int   { return s.priority }
func (s *SES) Available() bool { return s.client != nil && s.fromEmail != "" }

func (s *SES) Attempt(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Channel != api.ChannelEmail {
		return Receipt{}, chain.ErrNotApplicable
	}
	if msg.Recipient == "" {
		return Receipt{}, chain.Permanent(errors.New("ses: empty recipient"))
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		var rejected *types.MessageRejected
		var badInput *types.BadRequestException
		if errors.As(err, &rejected) || errors.As(err, &badInput) {
			return Receipt{}, chain.Permanent(fmt.Errorf("ses: %w", err))
		}
		return Receipt{}, fmt.Errorf("ses: %w", err)
	}
	return Receipt{MessageID: aws.ToString(out.MessageId)}, nil
}
