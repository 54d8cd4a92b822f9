package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"bedrock-chat/handler"
	"bedrock-chat/internal/channel"
	"bedrock-chat/internal/chunk"
	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/identity"
	"bedrock-chat/internal/integrations/blobstore"
	"bedrock-chat/internal/integrations/paramstore"
	"bedrock-chat/internal/repository"
	"bedrock-chat/internal/stream"
	"bedrock-chat/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	conversationsTable := mustEnv("CONVERSATIONS_TABLE")
	userIndex := envString("CONVERSATIONS_USER_INDEX", "user_id-index")
	usageTable := mustEnv("USAGE_TABLE")
	configTable := mustEnv("CONFIG_TABLE")
	overflowBucket := mustEnv("OVERFLOW_BUCKET")
	attachmentBucket := envString("ATTACHMENT_BUCKET", overflowBucket)
	wsEndpoint := mustEnv("WEBSOCKET_ENDPOINT")
	paramPrefix := mustEnv("PARAM_PREFIX")
	maxTokens := envInt("MAX_TOKENS", 4096)
	chunkMaxBytes := envInt("CHUNK_MAX_BYTES", chunk.DefaultMaxBytes)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	s3Client := awss3.NewFromConfig(cfg)
	overflow, err := blobstore.New(s3Client, overflowBucket)
	if err != nil {
		fatal("failed to create overflow store", err)
	}
	attachments, err := blobstore.New(s3Client, attachmentBucket)
	if err != nil {
		fatal("failed to create attachment store", err)
	}

	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	conversations, err := repository.NewConversationStore(dynamoClient, overflow, conversationsTable, userIndex, logger)
	if err != nil {
		fatal("failed to create conversation store", err)
	}
	usage, err := repository.NewUsageStore(dynamoClient, usageTable)
	if err != nil {
		fatal("failed to create usage store", err)
	}
	modelConfig, err := repository.NewModelConfigStore(dynamoClient, configTable)
	if err != nil {
		fatal("failed to create model config store", err)
	}
	models, err := usecase.NewModelCatalog(modelConfig)
	if err != nil {
		fatal("failed to create model catalog", err)
	}

	adapters, err := newRegistry(bedrockruntime.NewFromConfig(cfg), bedrockagentruntime.NewFromConfig(cfg))
	if err != nil {
		fatal("failed to create stream adapters", err)
	}

	conns, err := channel.NewFactory(apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(wsEndpoint)
	}), logger)
	if err != nil {
		fatal("failed to create connection factory", err)
	}

	verifier, err := identity.NewVerifier(params, logger)
	if err != nil {
		fatal("failed to create identity verifier", err)
	}

	// ---- Handler ----
	chat, err := usecase.NewChatService(params, conversations, usage, models, adapters, attachments, usecase.ChatConfig{
		MaxTokens:     maxTokens,
		ChunkMaxBytes: chunkMaxBytes,
		Logger:        logger,
	})
	if err != nil {
		fatal("failed to create chat service", err)
	}

	h, err := handler.NewHandler(chat, verifier, conns, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

// newRegistry registers one adapter per model family.
func newRegistry(rt *bedrockruntime.Client, agent *bedrockagentruntime.Client) (*stream.Registry, error) {
	runtime, err := stream.NewRuntimeInvoker(rt)
	if err != nil {
		return nil, err
	}
	agents, err := stream.NewAgentInvoker(agent)
	if err != nil {
		return nil, err
	}
	anthropic, err := stream.NewAnthropicAdapter(runtime)
	if err != nil {
		return nil, err
	}
	mistral, err := stream.NewMistralAdapter(runtime)
	if err != nil {
		return nil, err
	}
	converse, err := stream.NewConverseAdapter(runtime)
	if err != nil {
		return nil, err
	}
	flow, err := stream.NewFlowAdapter(agents)
	if err != nil {
		return nil, err
	}
	kb, err := stream.NewKnowledgeBaseAdapter(agents)
	if err != nil {
		return nil, err
	}

	r := stream.NewRegistry()
	r.Register(domain.FamilyAnthropic, anthropic)
	r.Register(domain.FamilyMistral, mistral)
	r.Register(domain.FamilyConverse, converse)
	r.Register(domain.FamilyFlow, flow)
	r.Register(domain.FamilyKnowledgeBase, kb)
	return r, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
