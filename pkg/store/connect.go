package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ConnectOptions selects the DynamoDB endpoint and credentials. Zero
// values fall back to the ambient AWS configuration (environment,
// instance profile).
type ConnectOptions struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. a local DynamoDB at
	// http://localhost:8000.
	Endpoint string
	// Static credentials; leave empty to use the default provider chain.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Connect builds a DynamoDB client from the options.
func Connect(ctx context.Context, o ConnectOptions) (DynamoAPI, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(o.Region))
	}
	if o.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, o.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(opts *dynamodb.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.Endpoint)
		}
	})
	return client, nil
}
