package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/pkg/api"
)

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type fakeSNS struct {
	in *sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type fakeWriter struct {
	msgs []kgo.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func email() Message {
	return Message{ID: "n-1", Channel: api.ChannelEmail, Recipient: "a@example.com", Subject: "Late", Body: "Running late"}
}

func sms() Message {
	return Message{ID: "n-2", Channel: api.ChannelSMS, Recipient: "+15550100", Body: "Running late"}
}

func TestSES_SendsEmailOnly(t *testing.T) {
	f := &fakeSES{}
	s := NewSESWithClient(f, "noreply@example.com", 1)

	r, err := s.Attempt(context.Background(), email())
	require.NoError(t, err)
	require.Equal(t, "ses-1", r.MessageID)
	require.Equal(t, "noreply@example.com", aws.ToString(f.in.FromEmailAddress))
	require.Equal(t, []string{"a@example.com"}, f.in.Destination.ToAddresses)

	_, err = s.Attempt(context.Background(), sms())
	require.ErrorIs(t, err, chain.ErrNotApplicable)
}

func TestSES_RejectedIsPermanent(t *testing.T) {
	s := NewSESWithClient(&fakeSES{err: &sestypes.MessageRejected{Message: aws.String("no")}}, "noreply@example.com", 1)
	_, err := s.Attempt(context.Background(), email())
	require.True(t, chain.IsPermanent(err))
}

func TestSNS_SendsSMSOnly(t *testing.T) {
	f := &fakeSNS{}
	s := NewSNSWithClient(f, "DELAYWATCH", 2)

	r, err := s.Attempt(context.Background(), sms())
	require.NoError(t, err)
	require.Equal(t, "sns-1", r.MessageID)
	require.Equal(t, "+15550100", aws.ToString(f.in.PhoneNumber))
	require.Contains(t, f.in.MessageAttributes, "AWS.SNS.SMS.SenderID")

	_, err = s.Attempt(context.Background(), email())
	require.ErrorIs(t, err, chain.ErrNotApplicable)
}

func TestKafkaRelay_PublishesKeyedRecord(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaRelayWithWriter(w, 3)

	r, err := k.Attempt(context.Background(), sms())
	require.NoError(t, err)
	require.Equal(t, "kafka-n-2", r.MessageID)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "n-2", string(w.msgs[0].Key))

	var rec relayRecord
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	require.Equal(t, "sms", rec.Channel)
}

func TestKafkaRelay_UnavailableWithoutBrokers(t *testing.T) {
	require.False(t, NewKafkaRelay("", "topic", 1).Available())
	require.False(t, NewKafkaRelay(" , ", "topic", 1).Available())
}

func TestNewChain_FallsThroughToMock(t *testing.T) {
	c := NewChain([]Provider{
		NewSESWithClient(&fakeSES{}, "noreply@example.com", 1),
		NewKafkaRelayWithWriter(&fakeWriter{err: errors.New("broker down")}, 2),
	})

	served, err := c.Invoke(context.Background(), sms())
	require.NoError(t, err)
	require.Equal(t, "mock", served.Provider)
	require.Equal(t, "mock-n-2", served.Value.MessageID)

	served, err = c.Invoke(context.Background(), email())
	require.NoError(t, err)
	require.Equal(t, "ses", served.Provider)
}
