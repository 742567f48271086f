package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// TopicConfig holds SNS fan-out configuration
type TopicConfig struct {
	Region   string
	TopicARN string
	// Endpoint overrides the SNS endpoint (LocalStack)
	Endpoint string
}

type topicAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// TopicPublisher publishes delivery requests to an SNS topic so other devices
// can subscribe. Subscribers filter on the channel and priority attributes.
type TopicPublisher struct {
	client   topicAPI
	topicARN string
	logger   *zap.Logger
}

// NewTopicPublisher creates an SNS publisher for the given topic
func NewTopicPublisher(ctx context.Context, cfg TopicConfig, logger *zap.Logger) (*TopicPublisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newTopicPublisher(client, cfg.TopicARN, logger), nil
}

func newTopicPublisher(client topicAPI, topicARN string, logger *zap.Logger) *TopicPublisher {
	return &TopicPublisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *TopicPublisher) Send(ctx context.Context, req Request) error {
	payload, err := json.Marshal(NewRelayMessage(req))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(req.Channel)),
			},
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(req.Notification.Priority)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("delivery request published",
		zap.String("notification_id", req.Notification.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// SupportsChannel limits the topic to pop-ups; sound only plays locally
func (p *TopicPublisher) SupportsChannel(ch Channel) bool {
	return ch == ChannelDesktop
}
