// Package aws provides an AWS SNS/SQS transport. Outputs publish to an SNS
// topic per connection. Round-robin inputs share one SQS queue subscribed to
// the topic; broadcast inputs each subscribe their own queue.
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
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/rflow/transport"
)

const TransportName = "aws"

// LocalStack accepts any account id but the ARN still needs twelve digits.
const (
	localstackAccountID = "000000000000"
	accountIDLength     = 12
)

// Seams swapped by tests.
var (
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
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings are the AWS values of a transport.Config after defaults apply.
type settings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  *url.URL
}

func readSettings(cfg transport.Config) (settings, error) {
	if cfg == nil {
		return settings{}, nil
	}
	s := settings{
		region:    strings.TrimSpace(cfg.GetAWSRegion()),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
	}
	if raw := strings.TrimSpace(cfg.GetAWSEndpoint()); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("aws endpoint %q: %w", raw, err)
		}
		s.endpoint = u
	}
	return s, nil
}

// local reports whether a custom endpoint such as LocalStack is configured.
func (s settings) local() bool { return s.endpoint != nil }

// arnParts picks the account and region used to build topic ARNs. A custom
// endpoint gets the LocalStack account when none, or a malformed one, is set.
func (s settings) arnParts(loadedRegion string) (account, region string) {
	account, region = s.accountID, s.region
	if region == "" {
		region = loadedRegion
	}
	if s.local() && len(account) != accountIDLength {
		account = localstackAccountID
	}
	return account, region
}

func (s settings) loadOptions() []func(*awsconfig.LoadOptions) error {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		creds := aws.Credentials{AccessKeyID: s.accessKey, SecretAccessKey: s.secretKey}
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		)))
	}
	return opts
}

func (s settings) snsOptions() []func(*amazonsns.Options) {
	if !s.local() {
		return nil
	}
	return []func(*amazonsns.Options){amazonsns.WithEndpointResolverV2(
		sns.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint}},
	)}
}

func (s settings) sqsOptions() []func(*amazonsqs.Options) {
	if !s.local() {
		return nil
	}
	return []func(*amazonsqs.Options){amazonsqs.WithEndpointResolverV2(
		sqs.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint}},
	)}
}

// Build creates the SNS publisher or the SNS-fed SQS subscriber for one endpoint.
func Build(ctx context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s, err := readSettings(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := DefaultConfigLoader(ctx, s.loadOptions()...)
	if err != nil {
		logger.Error("Loading AWS config failed", err, watermill.LogFields{"region": s.region})
		return transport.Transport{}, fmt.Errorf("load aws config: %w", err)
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}

	account, region := s.arnParts(awsCfg.Region)
	fields := watermill.LogFields{
		"connection_id": ep.ConnectionID,
		"side":          string(ep.Side),
		"region":        region,
		"local":         s.local(),
	}
	resolver, err := TopicResolverFactory(account, region)
	if err != nil {
		logger.Error("Creating SNS topic resolver failed", err, fields)
		return transport.Transport{}, fmt.Errorf("sns topic resolver: %w", err)
	}
	logger.Info("Building AWS transport", fields)

	if ep.Side == transport.SideOutput {
		pub, err := PublisherFactory(sns.PublisherConfig{
			AWSConfig:     awsCfg,
			OptFns:        s.snsOptions(),
			TopicResolver: resolver,
			Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		return transport.Transport{Publisher: pub}, nil
	}

	sub, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               s.snsOptions(),
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameGenerator(ep),
		},
		sqs.SubscriberConfig{AWSConfig: awsCfg, OptFns: s.sqsOptions()},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Subscriber: sub}, nil
}

// TopicName maps a connection topic onto the characters SNS and SQS accept.
func TopicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, topic)
}

// queueNameGenerator names the SQS queue behind an input. Round-robin inputs
// share the topic's queue; broadcast inputs get one queue per scope.
func queueNameGenerator(ep transport.Endpoint) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		if ep.Delivery == transport.DeliveryBroadcast && ep.Scope != "" {
			return TopicName(string(topic) + "-" + ep.Scope), nil
		}
		return string(topic), nil
	}
}
