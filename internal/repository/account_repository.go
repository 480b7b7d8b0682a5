package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/servicehub/otpguard/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrAccountNotFound is returned when no account exists for an email.
var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	client    DynamoAPI
	tableName string
	logger    *logrus.Logger
}

func NewAccountRepository(client DynamoAPI, tableName string, logger *logrus.Logger) *AccountRepository {
	return &AccountRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *AccountRepository) accountKey(email string) map[string]types.AttributeValue {
	account := &models.Account{Email: email}
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: account.GetPK()},
		"SK": &types.AttributeValueMemberS{Value: account.GetSK()},
	}
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.accountKey(email),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get account from DynamoDB")
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if result.Item == nil {
		return nil, ErrAccountNotFound
	}

	var account models.Account
	if err := attributevalue.UnmarshalMap(result.Item, &account); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal account from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	return &account, nil
}

// MarkVerified flags the account as verified after a registration OTP
func (r *AccountRepository) MarkVerified(ctx context.Context, email string) error {
	return r.update(ctx, email, "SET verified = :verified, updated_at = :updated_at", map[string]types.AttributeValue{
		":verified": &types.AttributeValueMemberBOOL{Value: true},
	})
}

// UpdatePasswordHash stores a new password hash after a redeemed reset session
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, email, passwordHash string) error {
	return r.update(ctx, email, "SET password_hash = :password_hash, updated_at = :updated_at", map[string]types.AttributeValue{
		":password_hash": &types.AttributeValueMemberS{Value: passwordHash},
	})
}

func (r *AccountRepository) update(ctx context.Context, email, expr string, values map[string]types.AttributeValue) error {
	values[":updated_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       r.accountKey(email),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAccountNotFound
		}
		r.logger.WithError(err).Error("Failed to update account in DynamoDB")
		return fmt.Errorf("failed to update account: %w", err)
	}

	return nil
}
