package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"bedrock-chat/internal/domain"
)

// MistralAdapter streams Mistral models through the instruct prompt body.
// Each stream element may carry several candidate outputs.
type MistralAdapter struct {
	streamer ModelStreamer
}

func NewMistralAdapter(s ModelStreamer) (*MistralAdapter, error) {
	if s == nil {
		return nil, errors.New("stream: mistral streamer must not be nil")
	}
	return &MistralAdapter{streamer: s}, nil
}

func (a *MistralAdapter) Stream(ctx context.Context, req Request, n *Normalizer) Result {
	if req.ModelID == "" {
		return abort(ctx, n, errEmptyModel)
	}
	body, err := json.Marshal(mistralRequest{Prompt: mistralPrompt(req), MaxTokens: req.MaxTokens})
	if err != nil {
		return abort(ctx, n, fmt.Errorf("stream: marshal mistral body: %w", err))
	}
	src, err := a.streamer.InvokeStream(ctx, req.ModelID, body)
	if err != nil {
		return abort(ctx, n, err)
	}
	Consume[rttypes.ResponseStream](ctx, n, src, mistralDecoder{})
	return n.Finish(ctx)
}

type mistralRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// mistralPrompt renders the conversation in the [INST] instruct format.
// Only text content is carried.
func mistralPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("<s>")
	system := strings.TrimSpace(req.System)
	for _, m := range conversation(req) {
		text := m.Text()
		if m.Role == domain.RoleAssistant {
			b.WriteString(" " + text + "</s>")
			continue
		}
		b.WriteString("[INST] ")
		if system != "" {
			b.WriteString(system + "\n\n")
			system = ""
		}
		b.WriteString(text + " [/INST]")
	}
	return b.String()
}

type mistralChunk struct {
	Outputs []struct {
		Text       string  `json:"text"`
		StopReason *string `json:"stop_reason"`
	} `json:"outputs"`
	Metrics *invocationMetrics `json:"amazon-bedrock-invocationMetrics"`
}

// mistralDecoder joins the texts of all outputs in one element into a single
// fragment; the element is terminal when any output reports a stop reason.
type mistralDecoder struct{}

func (mistralDecoder) Decode(elem rttypes.ResponseStream) (Step, error) {
	chunk, ok := elem.(*rttypes.ResponseStreamMemberChunk)
	if !ok {
		return Step{}, nil
	}
	var c mistralChunk
	if err := json.Unmarshal(chunk.Value.Bytes, &c); err != nil {
		return Step{}, fmt.Errorf("stream: decode mistral chunk: %w", err)
	}
	var (
		step Step
		text strings.Builder
	)
	for _, o := range c.Outputs {
		text.WriteString(o.Text)
		if o.StopReason != nil && *o.StopReason != "" {
			step.Terminal = true
		}
	}
	if text.Len() > 0 {
		step.Fragment = &Fragment{Text: text.String()}
	}
	step.Usage = c.Metrics.usage()
	return step, nil
}
