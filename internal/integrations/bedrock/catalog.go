package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"

	"bedrock-chat/internal/domain"
)

// catalogAPI is the minimal Bedrock control-plane interface required by
// Catalog. *bedrock.Client satisfies it.
type catalogAPI interface {
	ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
	ListImportedModels(ctx context.Context, in *bedrock.ListImportedModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListImportedModelsOutput, error)
}

// Catalog enumerates the models visible to the current credentials.
type Catalog struct {
	api catalogAPI
}

func NewCatalog(api catalogAPI) (*Catalog, error) {
	if api == nil {
		return nil, errors.New("bedrock: catalog api must not be nil")
	}
	return &Catalog{api: api}, nil
}

// FoundationModels lists active, on-demand foundation models as unprobed
// capability entries.
func (c *Catalog) FoundationModels(ctx context.Context) ([]domain.CapabilityEntry, error) {
	out, err := c.api.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByInferenceType: types.InferenceTypeOnDemand,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: ListFoundationModels: %w", err)
	}

	entries := make([]domain.CapabilityEntry, 0, len(out.ModelSummaries))
	for _, s := range out.ModelSummaries {
		if s.ModelLifecycle != nil && s.ModelLifecycle.Status != types.FoundationModelLifecycleStatusActive {
			continue
		}
		if !onDemand(s.InferenceTypesSupported) {
			continue
		}
		provider := aws.ToString(s.ProviderName)
		entries = append(entries, domain.CapabilityEntry{
			ModelID:            aws.ToString(s.ModelId),
			ModelName:          aws.ToString(s.ModelName),
			ProviderName:       provider,
			ModelArn:           aws.ToString(s.ModelArn),
			InputModalities:    modalities(s.InputModalities),
			OutputModalities:   modalities(s.OutputModalities),
			StreamingSupported: aws.ToBool(s.ResponseStreamingSupported),
			Family:             ClassifyFamily(provider),
		})
	}
	return entries, nil
}

// ImportedModels lists privately imported models. They are treated as
// text-only and always active.
func (c *Catalog) ImportedModels(ctx context.Context) ([]domain.CapabilityEntry, error) {
	var (
		entries []domain.CapabilityEntry
		token   *string
	)
	for {
		out, err := c.api.ListImportedModels(ctx, &bedrock.ListImportedModelsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("bedrock: ListImportedModels: %w", err)
		}
		for _, s := range out.ModelSummaries {
			arn := aws.ToString(s.ModelArn)
			entries = append(entries, domain.CapabilityEntry{
				ModelID:            arn,
				ModelName:          aws.ToString(s.ModelName),
				ProviderName:       "Imported",
				ModelArn:           arn,
				InputModalities:    []string{string(domain.ModalityText)},
				OutputModalities:   []string{string(domain.ModalityText)},
				StreamingSupported: true,
				Imported:           true,
				Family:             domain.FamilyConverse,
			})
		}
		if aws.ToString(out.NextToken) == "" {
			return entries, nil
		}
		token = out.NextToken
	}
}

// ClassifyFamily picks the stream adapter family from the catalog provider
// name. It runs once per scan; the result is stored on the entry.
func ClassifyFamily(providerName string) domain.Family {
	switch {
	case strings.EqualFold(providerName, "Anthropic"):
		return domain.FamilyAnthropic
	case strings.EqualFold(providerName, "Mistral AI"):
		return domain.FamilyMistral
	default:
		return domain.FamilyConverse
	}
}

func onDemand(supported []types.InferenceType) bool {
	if len(supported) == 0 {
		return true
	}
	for _, t := range supported {
		if t == types.InferenceTypeOnDemand {
			return true
		}
	}
	return false
}

func modalities(in []types.ModelModality) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, string(m))
	}
	return out
}
