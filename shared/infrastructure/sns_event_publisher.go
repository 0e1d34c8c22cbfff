package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	snsBackend   = "snssqs"
	maxBatchSize = 10

	// EventTypeAttribute carries the routing key as an SNS message attribute
	EventTypeAttribute = "event_type"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

// SNSPublishAPI is the subset of the SNS client used by the publisher
type SNSPublishAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSEventPublisher publishes envelopes to an SNS topic. The message body is
// the envelope JSON so raw-delivery SQS subscribers can decode it directly.
type SNSEventPublisher struct {
	client   SNSPublishAPI
	topicArn string
}

func NewSNSEventPublisher(client SNSPublishAPI, topicArn string) *SNSEventPublisher {
	return &SNSEventPublisher{
		client:   client,
		topicArn: topicArn,
	}
}

// Publish publishes events to SNS in batches
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	gr, gctx := errgroup.WithContext(ctx)
	for _, eventBatch := range splitToChunks(evts, maxBatchSize) {
		eventBatch := eventBatch
		gr.Go(func() error {
			return p.batchPublish(gctx, eventBatch)
		})
	}

	if err := gr.Wait(); err != nil {
		return err
	}

	for _, event := range evts {
		recordPublished(ctx, snsBackend, event)
	}
	return nil
}

func (p *SNSEventPublisher) batchPublish(ctx context.Context, evts []*events.Event) error {
	requests := make([]types.PublishBatchRequestEntry, len(evts))

	for i, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.EventType)
		}

		requests[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(event.ID.String()),
			Message: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				EventTypeAttribute: {
					DataType:    aws.String("String"),
					StringValue: aws.String(event.EventType),
				},
			},
		}
	}

	res, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicArn),
		PublishBatchRequestEntries: requests,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	if len(res.Failed) > 0 {
		entry := res.Failed[0]
		return errors.Errorf("sns rejected %d of %d events, first %s: %s",
			len(res.Failed), len(evts), aws.ToString(entry.Id), aws.ToString(entry.Message))
	}

	return nil
}

// splitToChunks splits slice into chunks of specified size
func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
