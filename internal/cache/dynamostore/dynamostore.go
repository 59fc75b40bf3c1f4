// Package dynamostore backs cache.RemoteStore with a DynamoDB table,
// using the table's native TTL attribute for expiry instead of
// scanning and deleting stale items ourselves.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Store is a cache.RemoteStore backed by a single DynamoDB table keyed
// on a "Key" string attribute, with "Payload" (binary) and "ExpiresAt"
// (number, epoch seconds) attributes.
type Store struct {
	client    *dynamodb.Client
	tableName string
}

type item struct {
	Key       string `dynamodbav:"Key"`
	Payload   []byte `dynamodbav:"Payload"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"`
}

// Open builds a Store, loading AWS credentials the default way (env,
// shared config, or an instance role). endpoint is set to target a
// local/dev DynamoDB instance and left empty in production.
func Open(ctx context.Context, tableName, region, endpoint string) (*Store, error) {
	if tableName == "" {
		return nil, errors.New("dynamostore: table name required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})

	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &tableName}); err != nil {
		return nil, fmt.Errorf("dynamostore: table %s not reachable: %w", tableName, err)
	}

	return &Store{client: client, tableName: tableName}, nil
}

// Get returns the payload for key if present and not past ExpiresAt.
// DynamoDB's own TTL sweeper reclaims expired items asynchronously, so
// Get double-checks ExpiresAt itself rather than trusting deletion to
// have already happened.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"Key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("dynamostore: get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, false, fmt.Errorf("dynamostore: unmarshal %s: %w", key, err)
	}
	if it.ExpiresAt > 0 && time.Now().Unix() > it.ExpiresAt {
		return nil, false, nil
	}
	return it.Payload, true, nil
}

// Set writes payload under key with an ExpiresAt attribute ttl seconds
// in the future.
func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	it := item{
		Key:       key,
		Payload:   payload,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("dynamostore: marshal %s: %w", key, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("dynamostore: put %s: %w", key, err)
	}
	return nil
}

// Ping verifies the table is reachable, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.tableName})
	if err != nil {
		return fmt.Errorf("dynamostore: ping: %w", err)
	}
	return nil
}
