package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

const charsetUTF8 = "UTF-8"

// SESMailer sends email through Amazon SES.
type SESMailer struct {
	client sesiface.SESAPI
	sender string
	log    *slog.Logger
}

// SESConfig configures the SES client.
type SESConfig struct {
	Region    string
	Endpoint  string
	Sender    string
	AccessKey string
	SecretKey string
}

// NewSESMailer creates an SES mailer. Without static credentials the default
// AWS credential chain is used.
func NewSESMailer(cfg SESConfig, log *slog.Logger) (*SESMailer, error) {
	if cfg.Sender == "" {
		return nil, fmt.Errorf("SES sender address is required")
	}

	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewSESMailerWithClient(ses.New(sess), cfg.Sender, log), nil
}

// NewSESMailerWithClient wraps an existing SES client.
func NewSESMailerWithClient(client sesiface.SESAPI, sender string, log *slog.Logger) *SESMailer {
	return &SESMailer{client: client, sender: sender, log: log}
}

func (m *SESMailer) Send(ctx context.Context, msg interfaces.EmailMessage) error {
	start := time.Now()

	out, err := m.client.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source: aws.String(m.sender),
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(msg.To)},
		},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String(charsetUTF8), Data: aws.String(msg.Subject)},
			Body: &ses.Body{
				Text: &ses.Content{Charset: aws.String(charsetUTF8), Data: aws.String(msg.Body)},
			},
		},
	})
	if err != nil {
		m.log.Error("Failed to send email via SES", "to", MaskEmail(msg.To), "err", err)
		return fmt.Errorf("ses send: %w", err)
	}

	m.log.Info("Sent email via SES",
		slog.String("to", MaskEmail(msg.To)),
		slog.String("messageID", aws.StringValue(out.MessageId)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (m *SESMailer) Name() string {
	return "ses"
}
