package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// RelayConfig holds SQS relay configuration.
type RelayConfig struct {
	Region   string
	QueueURL string
	// Endpoint overrides the SQS endpoint (LocalStack)
	Endpoint string
}

func (c RelayConfig) endpoint(o *sqs.Options) {
	if c.Endpoint != "" {
		o.BaseEndpoint = aws.String(c.Endpoint)
	}
}

// RelayMessage is the SQS body read by the desktop agent.
type RelayMessage struct {
	NotificationID string          `json:"notification_id"`
	UserID         string          `json:"user_id"`
	Channel        Channel         `json:"channel"`
	Type           notify.Type     `json:"type"`
	Priority       notify.Priority `json:"priority"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	DismissAfterMS int64           `json:"dismiss_after_ms"`
	Sticky         bool            `json:"sticky"`
	RequestedAt    int64           `json:"requested_at"`
}

// NewRelayMessage flattens a request for the queue
func NewRelayMessage(req Request) RelayMessage {
	n := req.Notification
	return RelayMessage{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        req.Channel,
		Type:           n.Type,
		Priority:       n.Priority,
		Title:          n.Title,
		Message:        n.Message,
		DismissAfterMS: req.DismissAfter.Milliseconds(),
		Sticky:         req.Sticky(),
		RequestedAt:    req.RequestedAt.UnixNano(),
	}
}

// DismissAfter returns the pop-up timer carried by the message
func (m RelayMessage) DismissAfter() time.Duration {
	return time.Duration(m.DismissAfterMS) * time.Millisecond
}

// queueAPI is the subset of the SQS client the relay uses
type queueAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Relay forwards desktop and sound requests to the desktop agent via SQS.
type Relay struct {
	client   queueAPI
	queueURL string
	logger   *zap.Logger
}

// NewRelay creates an SQS relay producer.
func NewRelay(ctx context.Context, cfg RelayConfig, logger *zap.Logger) (*Relay, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs delivery relay initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newRelay(sqs.NewFromConfig(awsCfg, cfg.endpoint), cfg.QueueURL, logger), nil
}

func newRelay(client queueAPI, queueURL string, logger *zap.Logger) *Relay {
	return &Relay{client: client, queueURL: queueURL, logger: logger}
}

// Send enqueues the request for the desktop agent.
func (r *Relay) Send(ctx context.Context, req Request) error {
	body, err := json.Marshal(NewRelayMessage(req))
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}

	result, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		r.logger.Error("failed to send delivery request to sqs",
			zap.Error(err),
			zap.String("notification_id", req.Notification.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	r.logger.Debug("delivery request relayed",
		zap.String("notification_id", req.Notification.ID),
		zap.String("channel", string(req.Channel)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (r *Relay) SupportsChannel(ch Channel) bool {
	return ch == ChannelDesktop || ch == ChannelSound
}

// RelayConsumer reads delivery requests on the desktop side.
type RelayConsumer struct {
	client   queueAPI
	queueURL string
	logger   *zap.Logger
}

// NewRelayConsumer creates an SQS relay consumer.
func NewRelayConsumer(ctx context.Context, cfg RelayConfig, logger *zap.Logger) (*RelayConsumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs delivery consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return newRelayConsumer(sqs.NewFromConfig(awsCfg, cfg.endpoint), cfg.QueueURL, logger), nil
}

func newRelayConsumer(client queueAPI, queueURL string, logger *zap.Logger) *RelayConsumer {
	return &RelayConsumer{client: client, queueURL: queueURL, logger: logger}
}

// Receive long-polls for one message. A nil message means the poll was empty.
func (c *RelayConsumer) Receive(ctx context.Context) (*RelayMessage, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]
	var msg RelayMessage
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		c.logger.Error("failed to unmarshal relay message", zap.Error(err))
		return nil, aws.ToString(raw.ReceiptHandle), fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, aws.ToString(raw.ReceiptHandle), nil
}

// Delete acknowledges a processed message.
func (c *RelayConsumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
