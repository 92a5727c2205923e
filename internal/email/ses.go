package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/cenkalti/backoff/v4"
)

// SESAPI is the subset of the SES v2 client used by SESSender
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers mail through AWS SES v2 with pre-rendered content
type SESSender struct {
	api           SESAPI
	from          string
	fromName      string
	configSetName string
}

func NewSESSender(api SESAPI, from, fromName, configSetName string) *SESSender {
	return &SESSender{api: api, from: from, fromName: fromName, configSetName: configSetName}
}

func (s *SESSender) SendEmail(ctx context.Context, to string, tmpl EmailTemplate) error {
	fromAddr := s.from
	if s.fromName != "" {
		fromAddr = fmt.Sprintf("%s <%s>", s.fromName, s.from)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddr),
		Destination:      &sestypes.Destination{ToAddresses: []string{to}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(tmpl.Subject), Charset: aws.String("UTF-8")},
				Body:    &sestypes.Body{},
			},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: aws.String("TemplateType"), Value: aws.String(tmpl.Type.String())},
		},
	}
	if tmpl.HTML != "" {
		input.Content.Simple.Body.Html = &sestypes.Content{Data: aws.String(tmpl.HTML), Charset: aws.String("UTF-8")}
	}
	if tmpl.Text != "" {
		input.Content.Simple.Body.Text = &sestypes.Content{Data: aws.String(tmpl.Text), Charset: aws.String("UTF-8")}
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}

	if _, err := s.api.SendEmail(ctx, input); err != nil {
		return mapSESError(err)
	}
	return nil
}

// mapSESError marks rejections that a retry cannot fix as permanent
func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return backoff.Permanent(fmt.Errorf("ses rejected message: %w", err))
	}
	var notVerified *sestypes.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return backoff.Permanent(fmt.Errorf("ses sender not verified: %w", err))
	}
	return fmt.Errorf("ses send failed: %w", err)
}
