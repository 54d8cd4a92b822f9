package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// UsageStore owns the per-user token counters.
type UsageStore struct {
	api       dynamodbAPI
	tableName string
}

func NewUsageStore(api dynamodbAPI, tableName string) (*UsageStore, error) {
	if err := checkTable(api, tableName); err != nil {
		return nil, err
	}
	return &UsageStore{api: api, tableName: tableName}, nil
}

// UsageKeys returns the lifetime, month and day counter keys for a user at
// the current time.
func UsageKeys(userID string) []string {
	t := now().UTC()
	return []string{
		userID,
		userID + "-" + t.Format("2006-01"),
		userID + "-" + t.Format("2006-01-02"),
	}
}

// Record adds one exchange's tokens to the three counters. The updates are
// independent; a failure on one does not undo the others and all failures
// are returned joined.
func (s *UsageStore) Record(ctx context.Context, userID string, inputTokens, outputTokens int) error {
	if userID == "" {
		return errors.New("repository: Record: user id is required")
	}
	var errs []error
	for _, key := range UsageKeys(userID) {
		_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(s.tableName),
			Key:              map[string]types.AttributeValue{"user_id": strValue(key)},
			UpdateExpression: aws.String("ADD input_tokens :in, output_tokens :out, message_count :one"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":in":  intValue(inputTokens),
				":out": intValue(outputTokens),
				":one": intValue(1),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("repository: Record %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
