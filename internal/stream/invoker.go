package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agtypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// runtimeAPI is the Bedrock Runtime surface used by the chat adapters.
// *bedrockruntime.Client satisfies it.
type runtimeAPI interface {
	InvokeModelWithResponseStream(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// agentAPI is the Bedrock Agents Runtime surface used by the flow and
// knowledge-base adapters. *bedrockagentruntime.Client satisfies it.
type agentAPI interface {
	InvokeFlow(ctx context.Context, in *bedrockagentruntime.InvokeFlowInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeFlowOutput, error)
	RetrieveAndGenerateStream(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateStreamInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateStreamOutput, error)
}

// RuntimeInvoker opens Bedrock Runtime response streams.
type RuntimeInvoker struct {
	api runtimeAPI
}

func NewRuntimeInvoker(api runtimeAPI) (*RuntimeInvoker, error) {
	if api == nil {
		return nil, errors.New("stream: runtime api must not be nil")
	}
	return &RuntimeInvoker{api: api}, nil
}

// InvokeStream calls InvokeModelWithResponseStream with a provider-native body.
func (r *RuntimeInvoker) InvokeStream(ctx context.Context, modelID string, body []byte) (Source[rttypes.ResponseStream], error) {
	out, err := r.api.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: InvokeModelWithResponseStream: %w", err)
	}
	return out.GetStream(), nil
}

// ConverseStream calls the model-agnostic Converse streaming API.
func (r *RuntimeInvoker) ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (Source[rttypes.ConverseStreamOutput], error) {
	out, err := r.api.ConverseStream(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("stream: ConverseStream: %w", err)
	}
	return out.GetStream(), nil
}

// AgentInvoker opens Bedrock Agents Runtime streams.
type AgentInvoker struct {
	api agentAPI
}

func NewAgentInvoker(api agentAPI) (*AgentInvoker, error) {
	if api == nil {
		return nil, errors.New("stream: agent api must not be nil")
	}
	return &AgentInvoker{api: api}, nil
}

func (a *AgentInvoker) InvokeFlow(ctx context.Context, in *bedrockagentruntime.InvokeFlowInput) (Source[agtypes.FlowResponseStream], error) {
	out, err := a.api.InvokeFlow(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("stream: InvokeFlow: %w", err)
	}
	return out.GetStream(), nil
}

// RetrieveAndGenerate opens a knowledge-base stream and returns the session
// id assigned by the service.
func (a *AgentInvoker) RetrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateStreamInput) (Source[agtypes.RetrieveAndGenerateStreamResponseOutput], string, error) {
	out, err := a.api.RetrieveAndGenerateStream(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("stream: RetrieveAndGenerateStream: %w", err)
	}
	return out.GetStream(), aws.ToString(out.SessionId), nil
}
