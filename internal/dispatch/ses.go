package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/liyaqa/drip-engine/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used by SESEmailSender.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the sender identity and credentials for SES.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	FromName        string
	FromEmail       string
	ConfigSet       string
}

// SESEmailSender sends campaign emails via AWS SES using the SDK v2.
type SESEmailSender struct {
	client SESAPI
	cfg    SESConfig
	log    *logger.Logger
}

// NewSESEmailSender builds an SES client. Static credentials are used when
// provided, otherwise the default AWS credential chain.
func NewSESEmailSender(ctx context.Context, cfg SESConfig) (*SESEmailSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESEmailSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewSESEmailSenderWithClient wires an existing client, used by tests.
func NewSESEmailSenderWithClient(client SESAPI, cfg SESConfig) *SESEmailSender {
	return &SESEmailSender{client: client, cfg: cfg, log: logger.Named("dispatch")}
}

// SendEmail delivers one HTML email and returns the SES message id.
func (s *SESEmailSender) SendEmail(ctx context.Context, memberID, address, subject, body string) (string, error) {
	from := s.cfg.FromEmail
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{address}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("member_id"), Value: aws.String(memberID)},
		},
	}
	if s.cfg.ConfigSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.log.Error("ses send failed", "member_id", memberID, "email", address, "error", err)
		return "", fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.log.Debug("ses email sent", "member_id", memberID, "email", address, "message_id", messageID)
	return messageID, nil
}
