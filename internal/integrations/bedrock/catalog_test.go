package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/require"

	"bedrock-chat/internal/domain"
)

type fakeCatalogAPI struct {
	foundation    *bedrock.ListFoundationModelsOutput
	foundationErr error
	imported      []*bedrock.ListImportedModelsOutput
	importedErr   error
	importedCalls int
	lastFMInput   *bedrock.ListFoundationModelsInput
}

func (f *fakeCatalogAPI) ListFoundationModels(_ context.Context, in *bedrock.ListFoundationModelsInput, _ ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	f.lastFMInput = in
	return f.foundation, f.foundationErr
}

func (f *fakeCatalogAPI) ListImportedModels(_ context.Context, _ *bedrock.ListImportedModelsInput, _ ...func(*bedrock.Options)) (*bedrock.ListImportedModelsOutput, error) {
	if f.importedErr != nil {
		return nil, f.importedErr
	}
	page := f.imported[f.importedCalls]
	f.importedCalls++
	return page, nil
}

func summary(id, provider string, status types.FoundationModelLifecycleStatus, out ...types.ModelModality) types.FoundationModelSummary {
	return types.FoundationModelSummary{
		ModelId:                    aws.String(id),
		ModelArn:                   aws.String("arn:aws:bedrock:us-east-1::foundation-model/" + id),
		ModelName:                  aws.String(id),
		ProviderName:               aws.String(provider),
		InputModalities:            []types.ModelModality{types.ModelModalityText},
		OutputModalities:           out,
		ResponseStreamingSupported: aws.Bool(true),
		InferenceTypesSupported:    []types.InferenceType{types.InferenceTypeOnDemand},
		ModelLifecycle:             &types.FoundationModelLifecycle{Status: status},
	}
}

func TestNewCatalog_NilAPI(t *testing.T) {
	_, err := NewCatalog(nil)
	require.Error(t, err)
}

func TestFoundationModels_FiltersAndClassifies(t *testing.T) {
	legacy := summary("old.model-v1", "Amazon", types.FoundationModelLifecycleStatusLegacy, types.ModelModalityText)
	provisioned := summary("prov.model-v1", "Amazon", types.FoundationModelLifecycleStatusActive, types.ModelModalityText)
	provisioned.InferenceTypesSupported = []types.InferenceType{types.InferenceTypeProvisioned}

	api := &fakeCatalogAPI{foundation: &bedrock.ListFoundationModelsOutput{
		ModelSummaries: []types.FoundationModelSummary{
			summary("anthropic.claude-3-haiku-20240307-v1:0", "Anthropic", types.FoundationModelLifecycleStatusActive, types.ModelModalityText),
			summary("mistral.mistral-7b-instruct-v0:2", "Mistral AI", types.FoundationModelLifecycleStatusActive, types.ModelModalityText),
			summary("amazon.titan-image-generator-v2:0", "Amazon", types.FoundationModelLifecycleStatusActive, types.ModelModalityImage),
			legacy,
			provisioned,
		},
	}}
	c, err := NewCatalog(api)
	require.NoError(t, err)

	entries, err := c.FoundationModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.InferenceTypeOnDemand, api.lastFMInput.ByInferenceType)
	require.Len(t, entries, 3)
	require.Equal(t, domain.FamilyAnthropic, entries[0].Family)
	require.Equal(t, domain.FamilyMistral, entries[1].Family)
	require.Equal(t, domain.FamilyConverse, entries[2].Family)
	require.True(t, entries[2].HasOutput(domain.ModalityImage))
	require.False(t, entries[0].AccessGranted)
}

func TestFoundationModels_Error(t *testing.T) {
	c, err := NewCatalog(&fakeCatalogAPI{foundationErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = c.FoundationModels(context.Background())
	require.ErrorContains(t, err, "ListFoundationModels")
}

func TestImportedModels_Paginates(t *testing.T) {
	api := &fakeCatalogAPI{imported: []*bedrock.ListImportedModelsOutput{
		{
			ModelSummaries: []types.ImportedModelSummary{{ModelArn: aws.String("arn:imported/a"), ModelName: aws.String("a")}},
			NextToken:      aws.String("next"),
		},
		{
			ModelSummaries: []types.ImportedModelSummary{{ModelArn: aws.String("arn:imported/b"), ModelName: aws.String("b")}},
		},
	}}
	c, err := NewCatalog(api)
	require.NoError(t, err)

	entries, err := c.ImportedModels(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 2, api.importedCalls)
	for _, e := range entries {
		require.True(t, e.Imported)
		require.Equal(t, []string{"TEXT"}, e.OutputModalities)
		require.Equal(t, domain.FamilyConverse, e.Family)
	}
}

func TestClassifyFamily(t *testing.T) {
	require.Equal(t, domain.FamilyAnthropic, ClassifyFamily("anthropic"))
	require.Equal(t, domain.FamilyMistral, ClassifyFamily("Mistral AI"))
	require.Equal(t, domain.FamilyConverse, ClassifyFamily("Meta"))
}
