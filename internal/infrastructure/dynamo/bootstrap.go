package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-codegate/internal/config"
)

const tableActiveTimeout = 2 * time.Minute

// Bootstrap creates the users, verification_codes and rate_limits tables if they
// don't already exist and turns on TTL for the two short-lived ones.
// Any failure is returned; the service must not start against a half-built schema.
func Bootstrap(ctx context.Context, client *dynamodb.Client, tables config.DynamoTables) error {
	if err := createTable(ctx, client, hashKeyTable(tables.Users, fieldEmail)); err != nil {
		return err
	}

	if err := createTable(ctx, client, hashKeyTable(tables.VerificationCodes, fieldIdentifier)); err != nil {
		return err
	}
	if err := enableTTL(ctx, client, tables.VerificationCodes, fieldExpiresAt); err != nil {
		return err
	}

	if err := createTable(ctx, client, hashKeyTable(tables.RateLimits, fieldKey)); err != nil {
		return err
	}
	return enableTTL(ctx, client, tables.RateLimits, fieldExpiresAt)
}

func hashKeyTable(name, hashKey string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: types.KeyTypeHash},
		},
	}
}

// createTable is a no-op for an existing table and otherwise blocks until the
// new table is ACTIVE, since UpdateTimeToLive is rejected while it is CREATING.
func createTable(ctx context.Context, client *dynamodb.Client, input *dynamodb.CreateTableInput) error {
	name := aws.ToString(input.TableName)
	_, err := client.CreateTable(ctx, input)
	if err != nil {
		// ResourceInUseException means the table already exists.
		var riue *types.ResourceInUseException
		if errors.As(err, &riue) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", name, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, tableActiveTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", name, err)
	}
	slog.Info("created table", "table", name)
	return nil
}

// enableTTL checks the current setting first: repeating UpdateTimeToLive on a
// table that already has it fails with a ValidationException.
func enableTTL(ctx context.Context, client *dynamodb.Client, tableName, ttlAttr string) error {
	out, err := client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return fmt.Errorf("describe TTL on %s: %w", tableName, err)
	}
	on, err := ttlEnabled(out.TimeToLiveDescription, ttlAttr)
	if err != nil {
		return fmt.Errorf("table %s: %w", tableName, err)
	}
	if on {
		return nil
	}
	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			Enabled:       aws.Bool(true),
			AttributeName: aws.String(ttlAttr),
		},
	})
	if err != nil {
		return fmt.Errorf("enable TTL on %s: %w", tableName, err)
	}
	slog.Info("enabled TTL", "table", tableName, "attribute", ttlAttr)
	return nil
}

// ttlEnabled reports whether TTL is already on (or turning on) for attr.
// TTL bound to a different attribute is an error: expired rows would never be reaped.
func ttlEnabled(desc *types.TimeToLiveDescription, attr string) (bool, error) {
	if desc == nil {
		return false, nil
	}
	switch desc.TimeToLiveStatus {
	case types.TimeToLiveStatusEnabled, types.TimeToLiveStatusEnabling:
		if got := aws.ToString(desc.AttributeName); got != attr {
			return false, fmt.Errorf("TTL is bound to %q, want %q", got, attr)
		}
		return true, nil
	case types.TimeToLiveStatusDisabling:
		return false, errors.New("TTL is being disabled, retry once it settles")
	default:
		return false, nil
	}
}
