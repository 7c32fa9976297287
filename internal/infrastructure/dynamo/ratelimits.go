package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/pkg/slidingwindow"
)

// RateLimitRepo is a sliding-window counter over fixed buckets in the rate_limits table.
// Each bucket is one item keyed "<identifier>#<bucket index>"; the previous bucket's
// count is weighted by how much of it still overlaps the window.
type RateLimitRepo struct {
	client    *dynamodb.Client
	tableName string
	limit     int
	window    time.Duration
	now       func() time.Time
}

func NewRateLimitRepo(client *dynamodb.Client, tableName string, limit int, window time.Duration) *RateLimitRepo {
	return &RateLimitRepo{
		client:    client,
		tableName: tableName,
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

// Limit consumes one unit for key. The increment is conditional on the bucket
// staying under the remaining budget, so concurrent callers cannot overshoot.
func (r *RateLimitRepo) Limit(ctx context.Context, key string) (domain.RateLimitResult, error) {
	now := r.now()
	sw := slidingwindow.At(now, r.window)

	prev, err := r.count(ctx, bucketKey(key, sw.Bucket-1))
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	budget := sw.Budget(r.limit, prev)
	if budget <= 0 {
		return domain.RateLimitResult{Allowed: false, Limit: r.limit, ResetAt: sw.Reset}, nil
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey(fieldKey, bucketKey(key, sw.Bucket)),
		UpdateExpression:    aws.String("ADD #c :one SET #e = if_not_exists(#e, :exp)"),
		ConditionExpression: aws.String("attribute_not_exists(#c) OR #c < :max"),
		ExpressionAttributeNames: map[string]string{
			"#c": fieldCount,
			"#e": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":max": &types.AttributeValueMemberN{Value: strconv.Itoa(budget)},
			// The bucket is read as "previous" for one more window after it closes.
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(sw.Reset.Add(r.window).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if isConditionFailed(err) {
		return domain.RateLimitResult{Allowed: false, Limit: r.limit, ResetAt: sw.Reset}, nil
	}
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	current, err := numberAttr(out.Attributes, fieldCount)
	if err != nil {
		return domain.RateLimitResult{}, err
	}
	return domain.RateLimitResult{
		Allowed:   true,
		Limit:     r.limit,
		Remaining: max(budget-current, 0),
		ResetAt:   sw.Reset,
	}, nil
}

func (r *RateLimitRepo) count(ctx context.Context, key string) (int, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldKey, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, err
	}
	return numberAttr(out.Item, fieldCount)
}

func bucketKey(key string, bucket int64) string {
	return fmt.Sprintf("%s#%d", key, bucket)
}
