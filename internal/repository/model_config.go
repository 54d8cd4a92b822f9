package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bedrock-chat/internal/domain"
)

const modelsConfigKey = "models"

type modelConfigItem struct {
	User                string                  `dynamodbav:"user"`
	ConfigType          string                  `dynamodbav:"config_type"`
	Config              domain.CapabilityMatrix `dynamodbav:"config"`
	PreviousConfig      domain.CapabilityMatrix `dynamodbav:"previous_config,omitempty"`
	LastUpdateTimestamp string                  `dynamodbav:"last_update_timestamp"`
}

// ModelConfig is the persisted capability matrix and its previous snapshot.
type ModelConfig struct {
	Current   domain.CapabilityMatrix
	Previous  domain.CapabilityMatrix
	UpdatedAt time.Time
}

// ModelConfigStore owns the capability matrix record.
type ModelConfigStore struct {
	api       dynamodbAPI
	tableName string
}

func NewModelConfigStore(api dynamodbAPI, tableName string) (*ModelConfigStore, error) {
	if err := checkTable(api, tableName); err != nil {
		return nil, err
	}
	return &ModelConfigStore{api: api, tableName: tableName}, nil
}

func (s *ModelConfigStore) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user":        strValue(modelsConfigKey),
		"config_type": strValue(modelsConfigKey),
	}
}

// Load returns the persisted matrix. A missing record yields an empty
// ModelConfig.
func (s *ModelConfigStore) Load(ctx context.Context) (ModelConfig, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(),
	})
	if err != nil {
		return ModelConfig{}, fmt.Errorf("repository: Load model config: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return ModelConfig{Current: domain.CapabilityMatrix{}}, nil
	}
	var item modelConfigItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return ModelConfig{}, fmt.Errorf("repository: Load model config decode: %w", err)
	}
	cfg := ModelConfig{Current: item.Config, Previous: item.PreviousConfig}
	if cfg.Current == nil {
		cfg.Current = domain.CapabilityMatrix{}
	}
	if ts, err := time.Parse(time.RFC3339, item.LastUpdateTimestamp); err == nil {
		cfg.UpdatedAt = ts
	}
	return cfg, nil
}

// Save overwrites the matrix, keeping the prior one as previous_config.
// Only one generation of history is retained.
func (s *ModelConfigStore) Save(ctx context.Context, matrix domain.CapabilityMatrix) error {
	prior, err := s.Load(ctx)
	if err != nil {
		return fmt.Errorf("repository: Save model config: %w", err)
	}
	item := modelConfigItem{
		User:                modelsConfigKey,
		ConfigType:          modelsConfigKey,
		Config:              matrix,
		LastUpdateTimestamp: now().UTC().Format(time.RFC3339),
	}
	if len(prior.Current) > 0 {
		item.PreviousConfig = prior.Current
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("repository: Save model config marshal: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("repository: Save model config: %w", err)
	}
	return nil
}
