package messaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SESMailer interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type snsSender struct {
	client SNSPublisher
}

func NewSNSSender(client SNSPublisher) Sender {
	return &snsSender{client: client}
}

// Send publishes a transactional SMS. creds.From is used as the sender id.
func (s *snsSender) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	}
	if creds.From != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(creds.From),
		}
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sns publish: %w", err)
	}
	return &Result{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

type sesSender struct {
	client        SESMailer
	defaultSource string
}

func NewSESSender(client SESMailer, defaultSource string) Sender {
	return &sesSender{client: client, defaultSource: defaultSource}
}

func (s *sesSender) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	source := creds.From
	if source == "" {
		source = s.defaultSource
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(source),
		Destination: &sestypes.Destination{ToAddresses: []string{msg.To}},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}
	return &Result{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}
