package infrastructure

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ events.Bus = (*SNSSQSBus)(nil)

// SNSSQSConfig configures the SNS+SQS bus
type SNSSQSConfig struct {
	Service         string
	TopicArn        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointSNS     string
	EndpointSQS     string
	ReconnectDelay  time.Duration
}

// SNSSQSBus fans events out through one SNS topic. Each subscription owns an
// SQS queue subscribed to the topic with an event_type filter policy.
type SNSSQSBus struct {
	config SNSSQSConfig
	logger *zap.Logger

	mu          sync.Mutex
	snsClient   *sns.Client
	sqsClient   *sqs.Client
	publisher   *SNSEventPublisher
	subscribers []*SQSEventSubscriber
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewSNSSQSBus(config SNSSQSConfig, logger *zap.Logger) *SNSSQSBus {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SNSSQSBus{
		config: config,
		logger: logger.With(zap.String("backend", snsBackend)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect builds the AWS clients and makes sure the topic exists
func (b *SNSSQSBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.publisher != nil {
		return nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(b.config.Region),
	}
	if b.config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.config.AccessKeyID, b.config.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "failed to load AWS config")
	}

	b.snsClient = sns.NewFromConfig(cfg, func(o *sns.Options) {
		if b.config.EndpointSNS != "" {
			o.BaseEndpoint = aws.String(b.config.EndpointSNS)
		}
	})
	b.sqsClient = sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if b.config.EndpointSQS != "" {
			o.BaseEndpoint = aws.String(b.config.EndpointSQS)
		}
	})

	topic, err := b.snsClient.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(topicName(b.config.TopicArn)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure SNS topic")
	}
	b.config.TopicArn = aws.ToString(topic.TopicArn)

	b.publisher = NewSNSEventPublisher(b.snsClient, b.config.TopicArn)
	b.logger.Info("connected to sns", zap.String("topic_arn", b.config.TopicArn))
	return nil
}

func (b *SNSSQSBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.Lock()
	publisher, closed := b.publisher, b.closed
	b.mu.Unlock()

	if closed {
		return ErrBusClosed
	}
	if publisher == nil {
		return ErrNotConnected
	}
	return publisher.Publish(ctx, evts...)
}

// Subscribe provisions the queue for eventType, subscribes it to the topic and
// starts draining it.
func (b *SNSSQSBus) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	pattern, err := events.NewTopic(eventType)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.publisher == nil {
		return ErrNotConnected
	}

	queue := QueueName(b.config.Service, eventType)
	queueURL, err := b.ensureQueue(ctx, queue, eventType)
	if err != nil {
		return err
	}

	subscriber := NewSQSEventSubscriber(b.sqsClient, queueURL, queue, pattern, handler, b.logger,
		WithSleepAfterError(b.config.ReconnectDelay),
	)
	if err := subscriber.Start(b.ctx); err != nil {
		return errors.Wrapf(err, "failed to start subscriber for %s", queue)
	}
	b.subscribers = append(b.subscribers, subscriber)
	return nil
}

func (b *SNSSQSBus) ensureQueue(ctx context.Context, queue, eventType string) (string, error) {
	created, err := b.sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(sanitizeName(queue)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create queue %s", queue)
	}
	queueURL := aws.ToString(created.QueueUrl)

	attrs, err := b.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to read attributes of %s", queue)
	}
	queueArn := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	policy, err := queuePolicy(queueArn, b.config.TopicArn)
	if err != nil {
		return "", err
	}
	if _, err := b.sqsClient.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: map[string]string{"Policy": policy},
	}); err != nil {
		return "", errors.Wrapf(err, "failed to set policy on %s", queue)
	}

	subscriptionAttrs := map[string]string{"RawMessageDelivery": "true"}
	if filter := filterPolicy(eventType); filter != "" {
		subscriptionAttrs["FilterPolicy"] = filter
	}
	if _, err := b.snsClient.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn:              aws.String(b.config.TopicArn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueArn),
		Attributes:            subscriptionAttrs,
		ReturnSubscriptionArn: true,
	}); err != nil {
		return "", errors.Wrapf(err, "failed to subscribe %s to topic", queue)
	}

	return queueURL, nil
}

// Close stops every subscriber
func (b *SNSSQSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscribers := b.subscribers
	b.mu.Unlock()

	b.cancel()
	for _, subscriber := range subscribers {
		subscriber.Stop()
	}
	return nil
}

// filterPolicy maps a binding pattern onto an SNS filter policy. Patterns SNS
// cannot express exactly are left unfiltered and matched on delivery.
func filterPolicy(eventType string) string {
	var condition interface{}
	switch {
	case !hasWildcard(eventType):
		condition = eventType
	case strings.HasSuffix(eventType, ".#") && !hasWildcard(strings.TrimSuffix(eventType, ".#")):
		condition = map[string]string{"prefix": strings.TrimSuffix(eventType, "#")}
	default:
		return ""
	}

	policy, _ := json.Marshal(map[string][]interface{}{EventTypeAttribute: {condition}})
	return string(policy)
}

func queuePolicy(queueArn, topicArn string) (string, error) {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueArn,
			"Condition": map[string]interface{}{
				"ArnEquals": map[string]string{"aws:SourceArn": topicArn},
			},
		}},
	}

	raw, err := json.Marshal(policy)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal queue policy")
	}
	return string(raw), nil
}

func topicName(topicArn string) string {
	if i := strings.LastIndex(topicArn, ":"); i >= 0 {
		return topicArn[i+1:]
	}
	return topicArn
}
