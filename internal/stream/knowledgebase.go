package stream

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agtypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/integrations/bedrock"
)

// KnowledgeBaseInvoker opens RetrieveAndGenerate streams.
type KnowledgeBaseInvoker interface {
	RetrieveAndGenerate(ctx context.Context, in *bedrockagentruntime.RetrieveAndGenerateStreamInput) (Source[agtypes.RetrieveAndGenerateStreamResponseOutput], string, error)
}

// KnowledgeBaseAdapter answers from a knowledge base and forwards citations.
// The stream has no terminal element; completion is detected at end of
// stream.
type KnowledgeBaseAdapter struct {
	invoker KnowledgeBaseInvoker
}

func NewKnowledgeBaseAdapter(inv KnowledgeBaseInvoker) (*KnowledgeBaseAdapter, error) {
	if inv == nil {
		return nil, errors.New("stream: knowledge base invoker must not be nil")
	}
	return &KnowledgeBaseAdapter{invoker: inv}, nil
}

func (a *KnowledgeBaseAdapter) Stream(ctx context.Context, req Request, n *Normalizer) Result {
	if req.KnowledgeBaseID == "" || req.ModelID == "" {
		return abort(ctx, n, errors.New("stream: knowledge base id and model are required"))
	}
	src, sessionID, err := a.invoker.RetrieveAndGenerate(ctx, knowledgeBaseInput(req, req.KBSessionID))
	if err != nil && req.KBSessionID != "" && retryWithoutSession(err) {
		n.log.Info("knowledge base session rejected, retrying without session", "err", err)
		src, sessionID, err = a.invoker.RetrieveAndGenerate(ctx, knowledgeBaseInput(req, ""))
	}
	if err != nil {
		return abort(ctx, n, err)
	}
	Consume[agtypes.RetrieveAndGenerateStreamResponseOutput](ctx, n, src, knowledgeBaseDecoder{})
	res := n.Finish(ctx)
	res.KBSessionID = sessionID
	return res
}

// retryWithoutSession reports whether a failed call should be repeated
// without the stored session: the service rejects expired or foreign
// sessions as validation errors.
func retryWithoutSession(err error) bool {
	return bedrock.Classify(err) == bedrock.KindValidation
}

func knowledgeBaseInput(req Request, sessionID string) *bedrockagentruntime.RetrieveAndGenerateStreamInput {
	in := &bedrockagentruntime.RetrieveAndGenerateStreamInput{
		Input: &agtypes.RetrieveAndGenerateInput{Text: aws.String(req.Prompt.Text())},
		RetrieveAndGenerateConfiguration: &agtypes.RetrieveAndGenerateConfiguration{
			Type: agtypes.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: &agtypes.KnowledgeBaseRetrieveAndGenerateConfiguration{
				KnowledgeBaseId: aws.String(req.KnowledgeBaseID),
				ModelArn:        aws.String(req.ModelID),
			},
		},
	}
	if sessionID != "" {
		in.SessionId = aws.String(sessionID)
	}
	return in
}

type knowledgeBaseDecoder struct{}

func (knowledgeBaseDecoder) Decode(elem agtypes.RetrieveAndGenerateStreamResponseOutput) (Step, error) {
	switch v := elem.(type) {
	case *agtypes.RetrieveAndGenerateStreamResponseOutputMemberOutput:
		text := aws.ToString(v.Value.Text)
		if text == "" {
			return Step{}, nil
		}
		return Step{Fragment: &Fragment{Text: text}}, nil
	case *agtypes.RetrieveAndGenerateStreamResponseOutputMemberCitation:
		if v.Value.Citation == nil {
			return Step{}, nil
		}
		return Step{Fragment: &Fragment{Citation: citation(v.Value.Citation)}}, nil
	default:
		return Step{}, nil
	}
}

func citation(c *agtypes.Citation) *domain.Citation {
	out := &domain.Citation{References: []domain.Reference{}}
	if p := c.GeneratedResponsePart; p != nil && p.TextResponsePart != nil {
		out.GeneratedText = aws.ToString(p.TextResponsePart.Text)
	}
	for _, r := range c.RetrievedReferences {
		var ref domain.Reference
		if r.Content != nil {
			ref.Text = aws.ToString(r.Content.Text)
		}
		if l := r.Location; l != nil {
			switch {
			case l.S3Location != nil:
				ref.URI = aws.ToString(l.S3Location.Uri)
			case l.WebLocation != nil:
				ref.URI = aws.ToString(l.WebLocation.Url)
			}
		}
		out.References = append(out.References, ref)
	}
	return out
}
