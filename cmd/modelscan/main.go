package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"bedrock-chat/handler"
	"bedrock-chat/internal/channel"
	"bedrock-chat/internal/integrations/bedrock"
	"bedrock-chat/internal/repository"
	"bedrock-chat/internal/scanner"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	configTable := mustEnv("CONFIG_TABLE")
	wsEndpoint := os.Getenv("WEBSOCKET_ENDPOINT")
	concurrency := envInt("PROBE_CONCURRENCY", scanner.DefaultConcurrency)
	probeTimeout := time.Duration(envInt("PROBE_TIMEOUT_SECONDS", int(scanner.DefaultProbeTimeout/time.Second))) * time.Second
	proberCfg := scanner.ProberConfig{
		VideoS3URI:  os.Getenv("PROBE_VIDEO_S3_URI"),
		OutputS3URI: os.Getenv("PROBE_OUTPUT_S3_URI"),
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	catalog, err := bedrock.NewCatalog(awsbedrock.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create model catalog", "err", err)
		os.Exit(1)
	}
	prober, err := scanner.NewBedrockProber(bedrockruntime.NewFromConfig(cfg), proberCfg)
	if err != nil {
		slog.Error("failed to create prober", "err", err)
		os.Exit(1)
	}
	store, err := repository.NewModelConfigStore(awsdynamodb.NewFromConfig(cfg), configTable)
	if err != nil {
		slog.Error("failed to create model config store", "err", err)
		os.Exit(1)
	}

	var conns *channel.Factory
	if wsEndpoint != "" {
		conns, err = channel.NewFactory(apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
			o.BaseEndpoint = aws.String(wsEndpoint)
		}), logger)
		if err != nil {
			slog.Error("failed to create connection factory", "err", err)
			os.Exit(1)
		}
	}

	// ---- Handler ----
	sc, err := scanner.New(catalog, prober, store, scanner.Options{
		Concurrency:  concurrency,
		ProbeTimeout: probeTimeout,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to create scanner", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewScanHandler(sc, conns, logger)
	if err != nil {
		slog.Error("failed to create scan handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
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
