package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agdocument "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/document"
	agtypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

const (
	flowInputNode   = "FlowInputNode"
	flowInputOutput = "document"
)

// FlowInvoker opens Bedrock Flow invocation streams.
type FlowInvoker interface {
	InvokeFlow(ctx context.Context, in *bedrockagentruntime.InvokeFlowInput) (Source[agtypes.FlowResponseStream], error)
}

// FlowError reports a flow that completed with a reason other than SUCCESS.
type FlowError struct {
	Reason string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("stream: flow completed with reason %s", e.Reason)
}

// FlowAdapter runs a Bedrock Flow with the prompt text as its input document.
type FlowAdapter struct {
	invoker FlowInvoker
}

func NewFlowAdapter(inv FlowInvoker) (*FlowAdapter, error) {
	if inv == nil {
		return nil, errors.New("stream: flow invoker must not be nil")
	}
	return &FlowAdapter{invoker: inv}, nil
}

func (a *FlowAdapter) Stream(ctx context.Context, req Request, n *Normalizer) Result {
	if req.FlowID == "" || req.FlowAliasID == "" {
		return abort(ctx, n, errors.New("stream: flow id and alias id are required"))
	}
	src, err := a.invoker.InvokeFlow(ctx, &bedrockagentruntime.InvokeFlowInput{
		FlowIdentifier:      aws.String(req.FlowID),
		FlowAliasIdentifier: aws.String(req.FlowAliasID),
		Inputs: []agtypes.FlowInput{{
			NodeName:       aws.String(flowInputNode),
			NodeOutputName: aws.String(flowInputOutput),
			Content:        &agtypes.FlowInputContentMemberDocument{Value: agdocument.NewLazyDocument(req.Prompt.Text())},
		}},
	})
	if err != nil {
		return abort(ctx, n, err)
	}
	Consume[agtypes.FlowResponseStream](ctx, n, src, flowDecoder{})
	return n.Finish(ctx)
}

// flowDecoder: output events are fragments; the completion event is
// terminal and carries a failure unless its reason is SUCCESS.
type flowDecoder struct{}

func (flowDecoder) Decode(elem agtypes.FlowResponseStream) (Step, error) {
	switch v := elem.(type) {
	case *agtypes.FlowResponseStreamMemberFlowOutputEvent:
		doc, ok := v.Value.Content.(*agtypes.FlowOutputContentMemberDocument)
		if !ok || doc.Value == nil {
			return Step{}, nil
		}
		text, err := documentText(doc.Value)
		if err != nil {
			return Step{}, err
		}
		return Step{Fragment: &Fragment{Text: text}}, nil
	case *agtypes.FlowResponseStreamMemberFlowCompletionEvent:
		if v.Value.CompletionReason == agtypes.FlowCompletionReasonSuccess {
			return Step{Terminal: true}, nil
		}
		return Step{Terminal: true, Failure: &FlowError{Reason: string(v.Value.CompletionReason)}}, nil
	default:
		return Step{}, nil
	}
}

type smithyDocument interface {
	UnmarshalSmithyDocument(v interface{}) error
}

// documentText renders a flow output document: strings as-is, anything else
// as compact JSON.
func documentText(doc smithyDocument) (string, error) {
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return "", fmt.Errorf("stream: decode flow output document: %w", err)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("stream: encode flow output document: %w", err)
	}
	return string(raw), nil
}
