package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"bedrock-chat/internal/domain"
)

const anthropicVersion = "bedrock-2023-05-31"

// ModelStreamer opens InvokeModelWithResponseStream streams.
type ModelStreamer interface {
	InvokeStream(ctx context.Context, modelID string, body []byte) (Source[rttypes.ResponseStream], error)
}

// invocationMetrics is appended by Bedrock to the last chunk of an
// InvokeModelWithResponseStream response.
type invocationMetrics struct {
	InputTokenCount  int `json:"inputTokenCount"`
	OutputTokenCount int `json:"outputTokenCount"`
}

func (m *invocationMetrics) usage() *domain.TokenUsage {
	if m == nil {
		return nil
	}
	return &domain.TokenUsage{InputTokens: m.InputTokenCount, OutputTokens: m.OutputTokenCount}
}

// AnthropicAdapter streams Claude models through the Anthropic Messages body.
type AnthropicAdapter struct {
	streamer ModelStreamer
}

func NewAnthropicAdapter(s ModelStreamer) (*AnthropicAdapter, error) {
	if s == nil {
		return nil, errors.New("stream: anthropic streamer must not be nil")
	}
	return &AnthropicAdapter{streamer: s}, nil
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request, n *Normalizer) Result {
	if req.ModelID == "" {
		return abort(ctx, n, errEmptyModel)
	}
	body, err := anthropicBody(req)
	if err != nil {
		return abort(ctx, n, err)
	}
	src, err := a.streamer.InvokeStream(ctx, req.ModelID, body)
	if err != nil {
		return abort(ctx, n, err)
	}
	Consume[rttypes.ResponseStream](ctx, n, src, anthropicDecoder{})
	return n.Finish(ctx)
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func anthropicBody(req Request) ([]byte, error) {
	body := anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		System:           req.System,
	}
	for _, m := range conversation(req) {
		blocks := anthropicBlocks(m.Content)
		if len(blocks) == 0 {
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: blocks})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal anthropic body: %w", err)
	}
	return raw, nil
}

func anthropicBlocks(content []domain.ContentBlock) []anthropicBlock {
	out := make([]anthropicBlock, 0, len(content))
	for _, b := range content {
		switch b.Type {
		case domain.BlockText:
			if b.Text != "" {
				out = append(out, anthropicBlock{Type: "text", Text: b.Text})
			}
		case domain.BlockImage, domain.BlockDocument:
			if len(b.Data) == 0 {
				continue
			}
			out = append(out, anthropicBlock{
				Type: string(b.Type),
				Source: &anthropicSource{
					Type:      "base64",
					MediaType: b.MediaType,
					Data:      base64.StdEncoding.EncodeToString(b.Data),
				},
			})
		}
	}
	return out
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Metrics *invocationMetrics `json:"amazon-bedrock-invocationMetrics"`
}

// anthropicDecoder: message_start opens, text deltas stream, message_stop
// terminates with the invocation metrics.
type anthropicDecoder struct{}

func (anthropicDecoder) Decode(elem rttypes.ResponseStream) (Step, error) {
	chunk, ok := elem.(*rttypes.ResponseStreamMemberChunk)
	if !ok {
		return Step{}, nil
	}
	var ev anthropicEvent
	if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
		return Step{}, fmt.Errorf("stream: decode anthropic chunk: %w", err)
	}
	switch ev.Type {
	case "message_start":
		return Step{Fragment: &Fragment{}}, nil
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return Step{}, nil
		}
		return Step{Fragment: &Fragment{Text: ev.Delta.Text}}, nil
	case "message_stop":
		return Step{Terminal: true, Usage: ev.Metrics.usage()}, nil
	default:
		return Step{}, nil
	}
}
