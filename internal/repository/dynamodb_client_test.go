package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory table that understands the small expression
// subset the stores issue.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue

	getErr    error
	putErr    error
	updateErr map[string]error // by key string
	deleteErr error
	queryErr  error
	pageSize  int

	gets, puts, updates, deletes, queries int
	lastPut                               *dynamodb.PutItemInput
	lastUpdate                            *dynamodb.UpdateItemInput
	lastQuery                             *dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyString(key map[string]types.AttributeValue) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, key[k].(*types.AttributeValueMemberS).Value)
	}
	return strings.Join(parts, "|")
}

func itemKey(item map[string]types.AttributeValue) string {
	if _, ok := item["config_type"]; ok {
		return keyString(map[string]types.AttributeValue{"user": item["user"], "config_type": item["config_type"]})
	}
	return keyString(map[string]types.AttributeValue{"session_id": item["session_id"]})
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func checkCondition(item map[string]types.AttributeValue, cond *string, values map[string]types.AttributeValue) error {
	switch c := aws.ToString(cond); {
	case c == "":
		return nil
	case strings.HasPrefix(c, "attribute_not_exists"):
		if item != nil {
			return conditionFailed()
		}
	case c == "user_id = :uid":
		if item == nil || sAttr(item, "user_id") != values[":uid"].(*types.AttributeValueMemberS).Value {
			return conditionFailed()
		}
	}
	return nil
}

func sAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func nAttr(item map[string]types.AttributeValue, name string) int {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.Atoi(v.Value)
		return n
	}
	return 0
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyString(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts++
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	k := itemKey(in.Item)
	if err := checkCondition(f.items[k], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates++
	f.lastUpdate = in
	k := keyString(in.Key)
	if err := f.updateErr[k]; err != nil {
		return nil, err
	}
	item, exists := f.items[k]
	if err := checkCondition(item, in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	if !exists {
		item = make(map[string]types.AttributeValue)
		for name, v := range in.Key {
			item[name] = v
		}
	}
	applyUpdate(item, aws.ToString(in.UpdateExpression), in.ExpressionAttributeValues)
	f.items[k] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

// applyUpdate evaluates "SET a = :x, ... REMOVE b" and "ADD a :x, ..." forms.
func applyUpdate(item map[string]types.AttributeValue, expr string, values map[string]types.AttributeValue) {
	var (
		clause string
		body   []string
	)
	flush := func() {
		for _, action := range strings.Split(strings.Join(body, " "), ",") {
			fields := strings.Fields(action)
			switch {
			case clause == "SET" && len(fields) == 3:
				item[fields[0]] = values[fields[2]]
			case clause == "REMOVE" && len(fields) == 1:
				delete(item, fields[0])
			case clause == "ADD" && len(fields) == 2:
				add, _ := strconv.Atoi(values[fields[1]].(*types.AttributeValueMemberN).Value)
				item[fields[0]] = intValue(nAttr(item, fields[0]) + add)
			}
		}
		body = nil
	}
	for _, tok := range strings.Fields(expr) {
		switch tok {
		case "SET", "REMOVE", "ADD":
			flush()
			clause = tok
		default:
			body = append(body, tok)
		}
	}
	flush()
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletes++
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	k := keyString(in.Key)
	if err := checkCondition(f.items[k], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries++
	f.lastQuery = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	uid := in.ExpressionAttributeValues[":uid"].(*types.AttributeValueMemberS).Value
	var keys []string
	for k, item := range f.items {
		if sAttr(item, "user_id") == uid {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := keyString(in.ExclusiveStartKey)
		for i, k := range keys {
			if k == last {
				start = i + 1
			}
		}
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	out := &dynamodb.QueryOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, f.items[k])
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"session_id": f.items[keys[end-1]]["session_id"]}
	}
	return out, nil
}

func fixNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}

func TestCheckTable(t *testing.T) {
	require.ErrorContains(t, checkTable(nil, "t"), "must not be nil")
	require.ErrorContains(t, checkTable(newFakeDynamo(), " "), "must not be empty")
	require.NoError(t, checkTable(newFakeDynamo(), "t"))
}

func TestIsConditionFailed(t *testing.T) {
	require.True(t, isConditionFailed(fmt.Errorf("wrapped: %w", conditionFailed())))
	require.False(t, isConditionFailed(fmt.Errorf("other")))
}
