package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/integrations/blobstore"
)

const (
	// ItemSizeLimit is the DynamoDB per-item hard limit.
	ItemSizeLimit = 400 * 1024
	// OverflowThreshold is the serialized history size above which history
	// moves to the overflow bucket.
	OverflowThreshold = ItemSizeLimit * 8 / 10
)

// Overflows decides where a history of size serialized bytes is stored.
// A record already in overflow never returns inline.
func Overflows(inOverflow bool, size int) bool {
	return inOverflow || size > OverflowThreshold
}

// OverflowKey is the object key of a session's overflowed history.
func OverflowKey(userID, sessionID string) string {
	return userID + "/" + sessionID + "/" + sessionID + ".json"
}

// conversationItem is the persisted ConversationRecord layout. Exactly one of
// History and InOverflow is authoritative.
type conversationItem struct {
	SessionID       string `dynamodbav:"session_id"`
	UserID          string `dynamodbav:"user_id"`
	Title           string `dynamodbav:"title,omitempty"`
	LastModified    string `dynamodbav:"last_modified_date"`
	SelectedModelID string `dynamodbav:"selected_model_id,omitempty"`
	Category        string `dynamodbav:"category,omitempty"`
	KBSessionID     string `dynamodbav:"kb_session_id,omitempty"`
	History         string `dynamodbav:"conversation_history,omitempty"`
	InOverflow      bool   `dynamodbav:"history_in_overflow,omitempty"`
}

// AppendInput is one completed exchange plus the descriptive fields to merge
// into the record. Empty descriptive fields leave the stored value unchanged.
type AppendInput struct {
	UserID          string
	SessionID       string
	Title           string
	SelectedModelID string
	Category        string
	KBSessionID     string
	Messages        []domain.Message
}

// AppendResult reports how an append was stored.
type AppendResult struct {
	NewConversation bool
	Skipped         bool
	InOverflow      bool
	HistoryBytes    int
}

// ConversationStore owns the ConversationRecord lifecycle.
type ConversationStore struct {
	api       dynamodbAPI
	blobs     blobstore.Store
	tableName string
	userIndex string
	log       *slog.Logger
}

func NewConversationStore(api dynamodbAPI, blobs blobstore.Store, tableName, userIndex string, logger *slog.Logger) (*ConversationStore, error) {
	if err := checkTable(api, tableName); err != nil {
		return nil, err
	}
	if blobs == nil {
		return nil, errors.New("repository: blob store must not be nil")
	}
	if strings.TrimSpace(userIndex) == "" {
		return nil, errors.New("repository: user index must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{api: api, blobs: blobs, tableName: tableName, userIndex: userIndex, log: logger}, nil
}

func (s *ConversationStore) key(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"session_id": strValue(sessionID)}
}

// get returns the raw record, or ok=false when it does not exist.
func (s *ConversationStore) get(ctx context.Context, sessionID string) (conversationItem, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return conversationItem{}, false, fmt.Errorf("repository: get conversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return conversationItem{}, false, nil
	}
	var item conversationItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return conversationItem{}, false, fmt.Errorf("repository: decode conversation: %w", err)
	}
	return item, true, nil
}

func (s *ConversationStore) history(ctx context.Context, item conversationItem) ([]domain.Message, error) {
	var raw []byte
	if item.InOverflow {
		body, err := s.blobs.Get(ctx, OverflowKey(item.UserID, item.SessionID))
		if err != nil {
			return nil, fmt.Errorf("repository: read overflow history: %w", err)
		}
		raw = body
	} else {
		raw = []byte(item.History)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var msgs []domain.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("repository: decode history: %w", err)
	}
	return msgs, nil
}

// Load returns the session with its full history, hydrated from the
// overflow bucket when needed.
func (s *ConversationStore) Load(ctx context.Context, userID, sessionID string) (domain.Conversation, error) {
	item, ok, err := s.get(ctx, sessionID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Load: %w", err)
	}
	if !ok || item.UserID != userID {
		return domain.Conversation{}, ErrNotFound
	}
	msgs, err := s.history(ctx, item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Load: %w", err)
	}
	return toConversation(item, msgs), nil
}

func toConversation(item conversationItem, msgs []domain.Message) domain.Conversation {
	lm, _ := time.Parse(time.RFC3339, item.LastModified)
	return domain.Conversation{
		SessionID:       item.SessionID,
		UserID:          item.UserID,
		Title:           item.Title,
		LastModified:    lm,
		SelectedModelID: item.SelectedModelID,
		Category:        item.Category,
		KBSessionID:     item.KBSessionID,
		InOverflow:      item.InOverflow,
		Messages:        msgs,
	}
}

// Append adds an exchange to the session history. The first write of a
// session creates the record; later writes merge into it. An exchange with a
// blank side is not persisted.
func (s *ConversationStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	log := s.log.With("session_id", in.SessionID, "user_id", in.UserID)
	if in.UserID == "" || in.SessionID == "" {
		return AppendResult{}, errors.New("repository: Append: user id and session id are required")
	}
	if blankExchange(in.Messages) {
		log.Info("skipping write of incomplete exchange")
		return AppendResult{Skipped: true}, nil
	}

	item, found, err := s.get(ctx, in.SessionID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("repository: Append: %w", err)
	}
	if found && item.UserID != in.UserID {
		return AppendResult{}, ErrNotFound
	}
	prior, err := s.history(ctx, item)
	if err != nil {
		return AppendResult{}, fmt.Errorf("repository: Append: %w", err)
	}

	history := make([]domain.Message, 0, len(prior)+len(in.Messages))
	history = append(history, prior...)
	history = append(history, in.Messages...)
	payload, err := json.Marshal(history)
	if err != nil {
		return AppendResult{}, fmt.Errorf("repository: Append marshal history: %w", err)
	}

	res := AppendResult{
		NewConversation: len(prior) == 0,
		InOverflow:      Overflows(item.InOverflow, len(payload)),
		HistoryBytes:    len(payload),
	}
	if res.InOverflow {
		if !item.InOverflow {
			log.Info("promoting history to overflow storage", "bytes", len(payload))
		}
		if err := s.blobs.Put(ctx, OverflowKey(in.UserID, in.SessionID), payload, "application/json"); err != nil {
			return AppendResult{}, fmt.Errorf("repository: Append: %w", err)
		}
	}

	lastModified := now().UTC().Format(time.RFC3339)
	if !found {
		err = s.create(ctx, in, lastModified, payload, res.InOverflow)
	} else {
		err = s.update(ctx, in, lastModified, payload, res.InOverflow)
	}
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func blankExchange(msgs []domain.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	for _, m := range msgs {
		if m.IsBlank() {
			return true
		}
	}
	return false
}

func (s *ConversationStore) create(ctx context.Context, in AppendInput, lastModified string, payload []byte, overflow bool) error {
	item := conversationItem{
		SessionID:       in.SessionID,
		UserID:          in.UserID,
		Title:           in.Title,
		LastModified:    lastModified,
		SelectedModelID: in.SelectedModelID,
		Category:        in.Category,
		KBSessionID:     in.KBSessionID,
		InOverflow:      overflow,
	}
	if !overflow {
		item.History = string(payload)
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("repository: create conversation marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(session_id)"),
	})
	if err != nil {
		return fmt.Errorf("repository: create conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) update(ctx context.Context, in AppendInput, lastModified string, payload []byte, overflow bool) error {
	sets := []string{"last_modified_date = :lm"}
	values := map[string]types.AttributeValue{
		":lm":  strValue(lastModified),
		":uid": strValue(in.UserID),
	}
	optional := []struct {
		attr, placeholder, value string
	}{
		{"title", ":title", in.Title},
		{"selected_model_id", ":model", in.SelectedModelID},
		{"category", ":category", in.Category},
		{"kb_session_id", ":kb", in.KBSessionID},
	}
	for _, f := range optional {
		if f.value == "" {
			continue
		}
		sets = append(sets, f.attr+" = "+f.placeholder)
		values[f.placeholder] = strValue(f.value)
	}

	var expr string
	if overflow {
		sets = append(sets, "history_in_overflow = :overflow")
		values[":overflow"] = &types.AttributeValueMemberBOOL{Value: true}
		expr = "SET " + strings.Join(sets, ", ") + " REMOVE conversation_history"
	} else {
		sets = append(sets, "conversation_history = :history")
		values[":history"] = strValue(string(payload))
		expr = "SET " + strings.Join(sets, ", ")
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(in.SessionID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("user_id = :uid"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: update conversation: %w", err)
	}
	return nil
}

// Clear deletes the session record and any overflowed history.
func (s *ConversationStore) Clear(ctx context.Context, userID, sessionID string) error {
	item, ok, err := s.get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	if !ok || item.UserID != userID {
		return ErrNotFound
	}
	if item.InOverflow {
		if err := s.blobs.Delete(ctx, OverflowKey(userID, sessionID)); err != nil {
			return fmt.Errorf("repository: Clear: %w", err)
		}
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(sessionID),
		ConditionExpression:       aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":uid": strValue(userID)},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

type summaryItem struct {
	SessionID       string `dynamodbav:"session_id"`
	Title           string `dynamodbav:"title"`
	LastModified    string `dynamodbav:"last_modified_date"`
	SelectedModelID string `dynamodbav:"selected_model_id"`
	Category        string `dynamodbav:"category"`
}

// List returns the user's sessions, most recently modified first.
func (s *ConversationStore) List(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ProjectionExpression:   aws.String("session_id, title, last_modified_date, selected_model_id, category"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strValue(userID),
		},
	}

	out := []domain.ConversationSummary{}
	for {
		page, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: List query: %w", err)
		}
		var items []summaryItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("repository: List unmarshal: %w", err)
		}
		for _, it := range items {
			out = append(out, domain.ConversationSummary(it))
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}

	// RFC3339 UTC timestamps order lexically.
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastModified > out[j].LastModified })
	return out, nil
}
