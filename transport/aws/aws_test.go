package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rflow/transport"
	"github.com/drblury/rflow/transport/transporttest"
)

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.AWSCapabilities, caps)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "rflow-abc_1", TopicName("rflow.abc_1"))
	assert.Equal(t, "a-b-c", TopicName("a/b:c"))
}

func TestQueueNameGenerator(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:rflow-abc")

	shared, err := queueNameGenerator(transport.Endpoint{Delivery: transport.DeliveryRoundRobin, Scope: "w1"})(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "rflow-abc", shared)

	own, err := queueNameGenerator(transport.Endpoint{Delivery: transport.DeliveryBroadcast, Scope: "w1.0"})(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "rflow-abc-w1-0", own)
}

// stubAWS swaps the AWS factories for the duration of a test.
func stubAWS(t *testing.T) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}

	t.Run("output side builds an SNS publisher", func(t *testing.T) {
		stubAWS(t)
		wantPub := &transporttest.Publisher{}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return wantPub, nil
		}
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			t.Fatal("subscriber must not be built for an output")
			return nil, nil
		}

		tr, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, wantPub, tr.Publisher)
		assert.Nil(t, tr.Subscriber)
	})

	t.Run("input side builds an SNS subscriber", func(t *testing.T) {
		stubAWS(t)
		wantSub := &transporttest.Subscriber{}
		var got sns.SubscriberConfig
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			got = cfg
			return wantSub, nil
		}

		tr, err := Build(context.Background(), transport.Endpoint{Side: transport.SideInput}, cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Same(t, wantSub, tr.Subscriber)
		assert.Nil(t, tr.Publisher)
		assert.NotNil(t, got.GenerateSqsQueueName)
	})

	t.Run("region from config overrides the loaded one", func(t *testing.T) {
		stubAWS(t)
		var gotRegion string
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			gotRegion = region
			return &sns.GenerateArnTopicResolver{}, nil
		}
		var got sns.PublisherConfig
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			got = cfg
			return &transporttest.Publisher{}, nil
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, &transporttest.Config{AWSRegion: "ap-south-1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "ap-south-1", gotRegion)
		assert.Equal(t, "ap-south-1", got.AWSConfig.Region)
		assert.Nil(t, got.OptFns)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubAWS(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubAWS(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideOutput}, cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		stubAWS(t)
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), transport.Endpoint{Side: transport.SideInput}, cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}

func TestSettingsArnParts(t *testing.T) {
	cases := []struct {
		name            string
		cfg             *transporttest.Config
		wantAccount     string
		wantRegion      string
		wantLocalTarget bool
	}{
		{"config values win", &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}, "123456789012", "us-west-2", false},
		{"loaded region fills the gap", &transporttest.Config{AWSAccountID: "'123456789012'"}, "123456789012", "us-east-1", false},
		{"localstack default account", &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1", true},
		{"malformed account on localstack", &transporttest.Config{AWSAccountID: "42", AWSEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1", true},
		{"malformed account kept on aws", &transporttest.Config{AWSAccountID: "42"}, "42", "us-east-1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := readSettings(tc.cfg)
			require.NoError(t, err)
			account, region := s.arnParts("us-east-1")
			assert.Equal(t, tc.wantAccount, account)
			assert.Equal(t, tc.wantRegion, region)
			assert.Equal(t, tc.wantLocalTarget, s.local())
			assert.Equal(t, tc.wantLocalTarget, s.snsOptions() != nil)
			assert.Equal(t, tc.wantLocalTarget, s.sqsOptions() != nil)
		})
	}
}

func TestReadSettings(t *testing.T) {
	s, err := readSettings(nil)
	require.NoError(t, err)
	assert.False(t, s.local())
	assert.Empty(t, s.loadOptions())

	s, err = readSettings(&transporttest.Config{AWSRegion: "eu-central-1", AWSAccessKeyID: "id", AWSSecretAccessKey: "secret", AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", s.endpoint.Host)
	assert.Len(t, s.loadOptions(), 2)

	s, err = readSettings(&transporttest.Config{AWSAccessKeyID: "id"})
	require.NoError(t, err)
	assert.Empty(t, s.loadOptions(), "half a credential pair is ignored")

	_, err = readSettings(&transporttest.Config{AWSEndpoint: "http://bad host:4566"})
	assert.ErrorContains(t, err, "aws endpoint")
}
