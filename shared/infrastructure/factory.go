package infrastructure

import (
	"github.com/draftea/order-system/shared/config"
	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewBus builds the bus backend selected by cfg.Broker.Driver for service
func NewBus(cfg config.Common, logger *zap.Logger) (events.Bus, error) {
	broker := cfg.Broker

	switch broker.Driver {
	case config.BrokerMemory:
		return NewMemoryBus(NewMemoryExchange(broker.QueueBuffer), cfg.ServiceName, logger), nil
	case config.BrokerRabbitMQ:
		return NewAMQPBus(AMQPConfig{
			URL:            broker.URL,
			Exchange:       broker.Exchange,
			Service:        cfg.ServiceName,
			ReconnectDelay: broker.ReconnectDelay,
		}, logger), nil
	case config.BrokerSNSSQS:
		return NewSNSSQSBus(SNSSQSConfig{
			Service:         cfg.ServiceName,
			TopicArn:        cfg.AWS.SNSTopicArn,
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			EndpointSNS:     cfg.AWS.EndpointSNS,
			EndpointSQS:     cfg.AWS.EndpointSQS,
			ReconnectDelay:  broker.ReconnectDelay,
		}, logger), nil
	case config.BrokerNATS:
		return NewNATSBus(NATSConfig{
			URL:           broker.URL,
			Service:       cfg.ServiceName,
			Stream:        broker.Exchange,
			ReconnectWait: broker.ReconnectDelay,
		}, logger), nil
	case config.BrokerKafka:
		return NewKafkaBus(KafkaConfig{
			Brokers:        broker.Brokers,
			Service:        cfg.ServiceName,
			ReconnectDelay: broker.ReconnectDelay,
		}, logger), nil
	default:
		return nil, errors.Errorf("unknown broker driver %q", broker.Driver)
	}
}
