package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-codegate/internal/domain"
)

// CodeRepo stores the outstanding verification code per identifier.
// PK: identifier, so a PutItem atomically replaces any earlier code.
// Expired items are reaped by DynamoDB TTL on expires_at; reads still check expiry.
type CodeRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewCodeRepo(client *dynamodb.Client, tableName string) *CodeRepo {
	return &CodeRepo{client: client, tableName: tableName}
}

func (r *CodeRepo) Replace(ctx context.Context, v *domain.VerificationCode) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshal verification code: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

func (r *CodeRepo) Get(ctx context.Context, identifier string) (*domain.VerificationCode, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldIdentifier, identifier),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	var v domain.VerificationCode
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Consume deletes the code only while it is still the one identified by hashedSecret.
// false means a concurrent request consumed or replaced it first.
func (r *CodeRepo) Consume(ctx context.Context, identifier, hashedSecret string) (bool, error) {
	err := r.deleteIfSame(ctx, identifier, hashedSecret)
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *CodeRepo) Delete(ctx context.Context, identifier, hashedSecret string) error {
	err := r.deleteIfSame(ctx, identifier, hashedSecret)
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// RecordFailure increments the wrong-guess counter and returns the new value.
func (r *CodeRepo) RecordFailure(ctx context.Context, identifier, hashedSecret string) (int, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey(fieldIdentifier, identifier),
		UpdateExpression:    aws.String("ADD #a :one"),
		ConditionExpression: aws.String("#h = :h"),
		ExpressionAttributeNames: map[string]string{
			"#a": fieldAttempts,
			"#h": fieldHashedSecret,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":h":   &types.AttributeValueMemberS{Value: hashedSecret},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if isConditionFailed(err) {
		return 0, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return numberAttr(out.Attributes, fieldAttempts)
}

func (r *CodeRepo) deleteIfSame(ctx context.Context, identifier, hashedSecret string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      strKey(fieldIdentifier, identifier),
		ConditionExpression:      aws.String("#h = :h"),
		ExpressionAttributeNames: map[string]string{"#h": fieldHashedSecret},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: hashedSecret},
		},
	})
	return err
}
