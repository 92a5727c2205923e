package sqsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the subset of the SQS client used by the reminder queue
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ReceiveOptions controls a long poll
type ReceiveOptions struct {
	MaxMessages       int32
	WaitSeconds       int32
	VisibilitySeconds int32
}

func ReceiveMessages(ctx context.Context, client API, queueURL string, opts ReceiveOptions) ([]types.Message, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: opts.MaxMessages,
		WaitTimeSeconds:     opts.WaitSeconds,
	}
	if opts.VisibilitySeconds > 0 {
		input.VisibilityTimeout = opts.VisibilitySeconds
	}

	result, err := client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	return result.Messages, nil
}

func DeleteMessage(ctx context.Context, client API, queueURL string, receiptHandle *string) error {
	_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", queueURL, err)
	}
	return nil
}

// ReleaseMessage makes an in-flight message visible again immediately
func ReleaseMessage(ctx context.Context, client API, queueURL string, receiptHandle *string) error {
	_, err := client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     receiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release message on %s: %w", queueURL, err)
	}
	return nil
}
