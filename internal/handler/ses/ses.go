// Package ses implements a handler that submits enriched messages to AWS
// SES v2 as raw MIME.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-handler-lite/internal/email"
	"github.com/shineum/smtp-handler-lite/internal/handler/message"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Handler.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation. Used for
// testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Handler submits each enriched message to the SES v2 API as a raw MIME
// message, preserving the provenance headers the enricher stamped.
type Handler struct {
	*message.Enricher

	sender string
	client SendEmailAPI
	log    *slog.Logger
}

// New creates a Handler with the given configuration.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Handler, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), log), nil
}

// NewWithClient creates a Handler with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{sender: sender, client: client, log: log}
	h.Enricher = message.NewEnricher(h, log)
	return h
}

// HandleMessage serializes the message and submits it via SES, retrying
// transient failures with exponential backoff.
func (h *Handler) HandleMessage(ctx context.Context, msg *email.Message) error {
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(h.sender),
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: buf.Bytes(),
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			h.log.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := h.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		h.log.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
