package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	rtdocument "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/stream"
)

// runtimeAPI is the Bedrock Runtime surface used for probing.
// *bedrockruntime.Client satisfies it.
type runtimeAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	StartAsyncInvoke(ctx context.Context, in *bedrockruntime.StartAsyncInvokeInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.StartAsyncInvokeOutput, error)
}

type ProberConfig struct {
	// VideoS3URI is a short clip used for the VIDEO input probe. When empty
	// the probe sends a still image instead.
	VideoS3URI string
	// OutputS3URI receives video generation output. When empty video output
	// models are not probed.
	OutputS3URI string
}

// BedrockProber issues probes against Bedrock Runtime.
type BedrockProber struct {
	api runtimeAPI
	cfg ProberConfig
}

func NewBedrockProber(api runtimeAPI, cfg ProberConfig) (*BedrockProber, error) {
	if api == nil {
		return nil, errors.New("scanner: runtime api must not be nil")
	}
	return &BedrockProber{api: api, cfg: cfg}, nil
}

func (p *BedrockProber) Probe(ctx context.Context, pr Probe) error {
	modelID := pr.Entry.ModelID
	if pr.Generate {
		switch pr.Modality {
		case domain.ModalityImage:
			return p.generateImage(ctx, pr.Entry)
		case domain.ModalityVideo:
			return p.generateVideo(ctx, modelID)
		}
		return fmt.Errorf("%w: no generation probe for %s", ErrProbeSkipped, pr.Modality)
	}

	_, err := p.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []rttypes.Message{{
			Role:    rttypes.ConversationRoleUser,
			Content: p.content(pr.Modality),
		}},
		InferenceConfig: &rttypes.InferenceConfiguration{MaxTokens: aws.Int32(probeMaxTokens)},
	})
	return err
}

func (p *BedrockProber) content(m domain.Modality) []rttypes.ContentBlock {
	image := domain.ContentBlock{Type: domain.BlockImage, MediaType: "image/png", Data: probePNG}
	switch m {
	case domain.ModalityImage:
		return stream.ConverseContent([]domain.ContentBlock{image, {Type: domain.BlockText, Text: probeImagePrompt}})
	case domain.ModalityVideo:
		if p.cfg.VideoS3URI == "" {
			return stream.ConverseContent([]domain.ContentBlock{image, {Type: domain.BlockText, Text: probeImagePrompt}})
		}
		return []rttypes.ContentBlock{
			&rttypes.ContentBlockMemberVideo{Value: rttypes.VideoBlock{
				Format: rttypes.VideoFormatMp4,
				Source: &rttypes.VideoSourceMemberS3Location{Value: rttypes.S3Location{Uri: aws.String(p.cfg.VideoS3URI)}},
			}},
			&rttypes.ContentBlockMemberText{Value: probeImagePrompt},
		}
	case domain.ModalityDocument:
		return stream.ConverseContent([]domain.ContentBlock{
			{Type: domain.BlockDocument, MediaType: "application/pdf", Name: "probe.pdf", Data: probePDF},
			{Type: domain.BlockText, Text: probeDocPrompt},
		})
	default:
		return []rttypes.ContentBlock{&rttypes.ContentBlockMemberText{Value: probePrompt}}
	}
}

// imageGenerationBody returns the provider-native request body, or ok=false
// for providers without a known body.
func imageGenerationBody(e domain.CapabilityEntry) (any, bool) {
	switch {
	case strings.EqualFold(e.ProviderName, "Amazon"):
		return map[string]any{
			"taskType":          "TEXT_IMAGE",
			"textToImageParams": map[string]any{"text": probeGenPrompt},
			"imageGenerationConfig": map[string]any{
				"numberOfImages": 1,
				"width":          512,
				"height":         512,
			},
		}, true
	case strings.EqualFold(e.ProviderName, "Stability AI"), strings.HasPrefix(e.ModelID, "stability."):
		return map[string]any{"prompt": probeGenPrompt}, true
	default:
		return nil, false
	}
}

func (p *BedrockProber) generateImage(ctx context.Context, e domain.CapabilityEntry) error {
	body, ok := imageGenerationBody(e)
	if !ok {
		return fmt.Errorf("%w: no image generation body for provider %q", ErrProbeSkipped, e.ProviderName)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("scanner: marshal image probe: %w", err)
	}
	_, err = p.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        raw,
	})
	return err
}

func (p *BedrockProber) generateVideo(ctx context.Context, modelID string) error {
	if p.cfg.OutputS3URI == "" {
		return fmt.Errorf("%w: no video output location configured", ErrProbeSkipped)
	}
	_, err := p.api.StartAsyncInvoke(ctx, &bedrockruntime.StartAsyncInvokeInput{
		ModelId: aws.String(modelID),
		ModelInput: rtdocument.NewLazyDocument(map[string]any{
			"taskType":          "TEXT_VIDEO",
			"textToVideoParams": map[string]any{"text": probeGenPrompt},
			"videoGenerationConfig": map[string]any{
				"durationSeconds": 6,
				"fps":             24,
				"dimension":       "1280x720",
			},
		}),
		OutputDataConfig: &rttypes.AsyncInvokeOutputDataConfigMemberS3OutputDataConfig{
			Value: rttypes.AsyncInvokeS3OutputDataConfig{S3Uri: aws.String(p.cfg.OutputS3URI)},
		},
	})
	return err
}
