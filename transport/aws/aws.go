// Package aws carries events over SNS and SQS. Every topic is an SNS topic;
// each consumer group subscribes its own SQS queue to it, so groups receive
// independent copies of every event.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/transport"
)

const TransportName = "aws"

const (
	// LocalStack accepts any credentials but only this account.
	localstackAccountID = "000000000000"
	accountIDLength     = 12
	maxSNSNameLength    = 256
	maxSQSNameLength    = 80
)

var (
	// The loader and factories are replaced in tests.
	DefaultConfigLoader  = awsconfig.LoadDefaultConfig
	TopicResolverFactory = sns.NewGenerateArnTopicResolver
	PublisherFactory     = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// session holds what the publisher and every group subscriber share.
type session struct {
	aws      aws.Config
	endpoint *url.URL
	topics   sns.TopicResolver
}

// Build creates the SNS publisher and a lazily built SQS-backed subscriber
// per group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("connect", "", err)
	}

	publisher, err := PublisherFactory(s.publisherConfig(), logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("build publisher", "", err)
	}
	return transport.Transport{
		Publisher: publisher,
		Subscribers: transport.NewGroupSubscribers(func(group string) (message.Subscriber, error) {
			snsCfg, sqsCfg := s.subscriberConfig(group)
			return SubscriberFactory(snsCfg, sqsCfg, logger)
		}),
	}, nil
}

func newSession(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*session, error) {
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	accountID, region := resolveAccountAndRegion(cfg, awsCfg.Region)
	logger.Info("AWS transport configured", watermill.LogFields{
		"region":     region,
		"account_id": accountID,
		"localstack": endpoint != nil,
	})
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return nil, fmt.Errorf("sns topic resolver for account %q in %s: %w", accountID, region, err)
	}
	return &session{aws: awsCfg, endpoint: endpoint, topics: topicNames{next: resolver}}, nil
}

func (s *session) publisherConfig() sns.PublisherConfig {
	return sns.PublisherConfig{
		AWSConfig:     s.aws,
		OptFns:        snsOptions(s.endpoint),
		TopicResolver: s.topics,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
}

func (s *session) subscriberConfig(group string) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	return sns.SubscriberConfig{
			AWSConfig:            s.aws,
			OptFns:               snsOptions(s.endpoint),
			TopicResolver:        s.topics,
			GenerateSqsQueueName: QueueNameGenerator(group),
		}, sqs.SubscriberConfig{
			AWSConfig: s.aws,
			OptFns:    sqsOptions(s.endpoint),
		}
}

// topicNames maps sagaflow topics onto valid SNS topic names before
// resolving them, so "orders.DLQ" becomes the SNS topic "orders-DLQ".
type topicNames struct {
	next sns.TopicResolver
}

func (t topicNames) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	name := SNSTopicName(topic)
	if name == "" || len(name) > maxSNSNameLength {
		return "", fmt.Errorf("topic %q cannot be mapped to an SNS topic name", topic)
	}
	return t.next.ResolveTopic(ctx, name)
}

// SNSTopicName replaces every character SNS rejects in topic with '-'.
func SNSTopicName(topic string) string {
	return sanitize(topic)
}

// QueueNameGenerator names the SQS queue of group <topic>-<group>.
func QueueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	suffix := sanitize(group)
	return func(ctx context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		name := string(topic)
		if suffix != "" {
			name += "-" + suffix
		}
		if len(name) > maxSQSNameLength {
			return "", fmt.Errorf("sqs queue name %q exceeds %d characters", name, maxSQSNameLength)
		}
		return name, nil
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

func loadAWSConfig(ctx context.Context, cfg transport.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	// A shared profile can override WithRegion.
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// resolveAccountAndRegion trims quotes from the configured account ID and
// swaps in the LocalStack account when an endpoint override is set without
// a real account.
func resolveAccountAndRegion(cfg transport.Config, loadedRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = loadedRegion
	}
	if cfg.GetAWSEndpoint() != "" && len(accountID) != accountIDLength {
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointURL(cfg transport.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse aws endpoint: %w", err)
	}
	return u, nil
}

func snsOptions(endpoint *url.URL) []func(*amazonsns.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
		Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
	})}
}

func sqsOptions(endpoint *url.URL) []func(*amazonsqs.Options) {
	if endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
		Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
	})}
}
