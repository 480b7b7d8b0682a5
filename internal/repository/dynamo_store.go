package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/servicehub/otpguard/internal/clock"
	"github.com/sirupsen/logrus"
)

// DynamoAPI is the subset of *dynamodb.Client used by the repositories.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// credentialItem is one store entry. ExpiresAt is the table's TTL attribute (Unix seconds).
type credentialItem struct {
	PK        string `dynamodbav:"PK"`
	Value     []byte `dynamodbav:"Value"`
	ExpiresAt int64  `dynamodbav:"TTL"`
}

// DynamoStore is a CredentialStore on a DynamoDB table with TTL enabled on "TTL".
// DynamoDB purges expired items lazily, so reads filter on the attribute too.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	clock     clock.Clock
	logger    *logrus.Logger
}

func NewDynamoStore(client DynamoAPI, tableName string, c clock.Clock, logger *logrus.Logger) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		clock:     c,
		logger:    logger,
	}
}

func (s *DynamoStore) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *DynamoStore) item(key string, value []byte, ttl time.Duration) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(credentialItem{
		PK:        key,
		Value:     value,
		ExpiresAt: s.clock.Now().Add(clampTTL(ttl)).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential: %w", err)
	}
	return item, nil
}

// Get retrieves a credential, treating items past their TTL as absent
func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to get credential from DynamoDB")
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var item credentialItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	if s.clock.Now().Unix() >= item.ExpiresAt {
		return nil, ErrNotFound
	}

	return item.Value, nil
}

// Set stores a credential with TTL
func (s *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item, err := s.item(key, value, ttl)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to store credential in DynamoDB")
		return fmt.Errorf("failed to store credential: %w", err)
	}

	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *DynamoStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	item, err := s.item(key, value, ttl)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       aws.String("#v = :old AND #ttl > :now"),
		ExpressionAttributeNames:  map[string]string{"#v": "Value", "#ttl": "TTL"},
		ExpressionAttributeValues: s.conditionValues(old),
	})
	return s.conditionalResult(err, key, "swap")
}

func (s *DynamoStore) CompareAndDelete(ctx context.Context, key string, old []byte) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(key),
		ConditionExpression:       aws.String("#v = :old AND #ttl > :now"),
		ExpressionAttributeNames:  map[string]string{"#v": "Value", "#ttl": "TTL"},
		ExpressionAttributeValues: s.conditionValues(old),
	})
	return s.conditionalResult(err, key, "delete")
}

func (s *DynamoStore) conditionValues(old []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":old": &types.AttributeValueMemberB{Value: old},
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.clock.Now().Unix(), 10)},
	}
}

func (s *DynamoStore) conditionalResult(err error, key, op string) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConflict
	}
	s.logger.WithError(err).WithField("key", key).Errorf("Failed to %s credential in DynamoDB", op)
	return fmt.Errorf("failed to %s credential: %w", op, err)
}
