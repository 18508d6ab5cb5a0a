// Package sqs provides an Amazon SQS queue backend. SQS caps receive and
// delete calls at ten messages; larger batches are split into several calls.
// Queues whose name ends in ".fifo" are created as FIFO queues and messages
// are grouped by the work item id.
package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillsqs "github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "sqs"

const (
	// MaxBatchSize is the SQS per-call limit for receive and delete.
	MaxBatchSize = 10
	// MaxWaitTime is the longest long-poll SQS accepts.
	MaxWaitTime = 20 * time.Second

	fifoSuffix          = ".fifo"
	defaultGroupID      = "default"
	localstackAccessKey = "test"
)

// API is the subset of the SQS client the backend uses.
type API interface {
	ListQueues(ctx context.Context, params *amazonsqs.ListQueuesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ListQueuesOutput, error)
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *amazonsqs.DeleteMessageBatchInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) API {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQSCapabilities)
}

// Build creates an SQS backend from the AWS settings in cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	optFns, err := endpointOptions(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Created SQS client", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": cfg.GetAWSEndpoint() != "",
	})
	return New(ClientFactory(awsCfg, optFns...), Config{
		WaitTime:          cfg.GetPollTimeout(),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
	}, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if accessKey == "" && secretKey == "" && cfg.GetAWSEndpoint() != "" {
		// LocalStack accepts any credentials but still requires some.
		accessKey, secretKey = localstackAccessKey, localstackAccessKey
		logger.Info("AWS credentials empty; using LocalStack defaults", nil)
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func endpointOptions(cfg transport.Config) ([]func(*amazonsqs.Options), error) {
	if cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(watermillsqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{
				URI: *parsedURL,
			},
		}),
	}, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// Config holds SQS backend settings.
type Config struct {
	// WaitTime is the long-poll duration of the first receive call.
	WaitTime time.Duration
	// VisibilityTimeout hides received messages from other consumers.
	// Zero keeps the queue's own setting.
	VisibilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.WaitTime > MaxWaitTime {
		c.WaitTime = MaxWaitTime
	}
	return c
}

// Backend implements transport.Backend on SQS.
type Backend struct {
	client API
	config Config
	logger watermill.LoggerAdapter
}

// New wraps an SQS client.
func New(client API, cfg Config, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{client: client, config: cfg.withDefaults(), logger: logger}
}

// IsFIFO reports whether name designates a FIFO queue.
func IsFIFO(name string) bool {
	return strings.HasSuffix(name, fifoSuffix)
}

// CreateOrGet looks the queue up by prefix and creates it when no exact
// match exists. Output and dead-letter queues sharing the prefix are ignored
// when resolving an input queue.
func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	queueURL, err := b.findQueue(ctx, name, role)
	if err != nil {
		return transport.Handle{}, err
	}
	if queueURL == "" {
		queueURL, err = b.createQueue(ctx, name)
		if err != nil {
			return transport.Handle{}, err
		}
	}
	return transport.Handle{Name: name, Locator: queueURL, Role: role}, nil
}

func (b *Backend) findQueue(ctx context.Context, name string, role transport.Role) (string, error) {
	var nextToken *string
	for {
		out, err := b.client.ListQueues(ctx, &amazonsqs.ListQueuesInput{
			QueueNamePrefix: aws.String(name),
			NextToken:       nextToken,
		})
		if err != nil {
			return "", prestoerrors.Transient("sqs list queues", err)
		}
		urls := out.QueueUrls
		if role == transport.RoleInput {
			urls = restrictInputURLs(urls)
		}
		for _, queueURL := range urls {
			if path.Base(queueURL) == name {
				return queueURL, nil
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			return "", nil
		}
		nextToken = out.NextToken
	}
}

func restrictInputURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, queueURL := range urls {
		if transport.IsInputQueue(path.Base(queueURL)) {
			out = append(out, queueURL)
		}
	}
	return out
}

func (b *Backend) createQueue(ctx context.Context, name string) (string, error) {
	attributes := map[string]string{}
	if IsFIFO(name) {
		attributes[string(types.QueueAttributeNameFifoQueue)] = "true"
		attributes[string(types.QueueAttributeNameContentBasedDeduplication)] = "true"
	}
	if b.config.VisibilityTimeout > 0 {
		attributes[string(types.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(int(b.config.VisibilityTimeout.Seconds()))
	}
	out, err := b.client.CreateQueue(ctx, &amazonsqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
	})
	if err != nil {
		return "", prestoerrors.Transient("sqs create queue", err)
	}
	b.logger.Info("Created SQS queue", watermill.LogFields{"queue": name, "fifo": IsFIFO(name)})
	return aws.ToString(out.QueueUrl), nil
}

// Send publishes payload. On FIFO queues the message joins opts.GroupID and
// is deduplicated by opts.DeduplicationID, or by the SHA-256 of its payload
// when that is empty.
func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	input := &amazonsqs.SendMessageInput{
		QueueUrl:    aws.String(h.Locator),
		MessageBody: aws.String(string(payload)),
	}
	if IsFIFO(h.Name) {
		group := opts.GroupID
		if group == "" {
			group = defaultGroupID
		}
		input.MessageGroupId = aws.String(group)
		dedup := opts.DeduplicationID
		if dedup == "" {
			dedup = DeduplicationID(payload)
		}
		input.MessageDeduplicationId = aws.String(dedup)
	}
	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return prestoerrors.Transient("sqs send", err)
	}
	return nil
}

// DeduplicationID returns the hex SHA-256 of payload.
func DeduplicationID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ReceiveBatch issues as many receive calls as needed to collect up to max
// messages. Only the first call long-polls; the loop stops at the first
// short page.
func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	if max < 1 {
		max = 1
	}
	out := make([]transport.Received, 0, max)
	wait := b.config.WaitTime
	for len(out) < max {
		want := min(MaxBatchSize, max-len(out))
		input := &amazonsqs.ReceiveMessageInput{
			QueueUrl:            aws.String(h.Locator),
			MaxNumberOfMessages: int32(want),
			WaitTimeSeconds:     int32(wait / time.Second),
		}
		if b.config.VisibilityTimeout > 0 {
			input.VisibilityTimeout = int32(b.config.VisibilityTimeout / time.Second)
		}
		resp, err := b.client.ReceiveMessage(ctx, input)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, prestoerrors.Transient("sqs receive", err)
		}
		for _, m := range resp.Messages {
			out = append(out, transport.Received{
				Body:  []byte(aws.ToString(m.Body)),
				Token: transport.AckToken(aws.ToString(m.ReceiptHandle)),
			})
		}
		if len(resp.Messages) < want {
			break
		}
		wait = 0
	}
	return out, nil
}

// DeleteBatch deletes tokens in ceil(n/10) calls. Every entry in a call gets
// a distinct id.
func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	var errs []error
	for start := 0; start < len(tokens); start += MaxBatchSize {
		chunk := tokens[start:min(start+MaxBatchSize, len(tokens))]
		entryIDs := ids.CreateULIDs(len(chunk))
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, token := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(entryIDs[i]),
				ReceiptHandle: aws.String(string(token)),
			}
		}
		out, err := b.client.DeleteMessageBatch(ctx, &amazonsqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(h.Locator),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, prestoerrors.Transient("sqs delete batch", err))
			continue
		}
		for _, failed := range out.Failed {
			errs = append(errs, fmt.Errorf("sqs delete entry %s: %s: %s",
				aws.ToString(failed.Id), aws.ToString(failed.Code), aws.ToString(failed.Message)))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the approximate number of visible messages.
func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	out, err := b.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(h.Locator),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, prestoerrors.Transient("sqs get queue attributes", err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

// Close is a no-op; the SQS client holds no long-lived connections.
func (b *Backend) Close() error {
	return nil
}
