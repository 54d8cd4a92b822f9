package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agdocument "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/document"
	agtypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"bedrock-chat/internal/domain"
)

type fakeModelStreamer struct {
	modelID string
	body    []byte
	src     Source[rttypes.ResponseStream]
	err     error
}

func (f *fakeModelStreamer) InvokeStream(_ context.Context, modelID string, body []byte) (Source[rttypes.ResponseStream], error) {
	f.modelID = modelID
	f.body = body
	return f.src, f.err
}

type fakeConverseStreamer struct {
	in  *bedrockruntime.ConverseStreamInput
	src Source[rttypes.ConverseStreamOutput]
	err error
}

func (f *fakeConverseStreamer) ConverseStream(_ context.Context, in *bedrockruntime.ConverseStreamInput) (Source[rttypes.ConverseStreamOutput], error) {
	f.in = in
	return f.src, f.err
}

type fakeFlowInvoker struct {
	in  *bedrockagentruntime.InvokeFlowInput
	src Source[agtypes.FlowResponseStream]
	err error
}

func (f *fakeFlowInvoker) InvokeFlow(_ context.Context, in *bedrockagentruntime.InvokeFlowInput) (Source[agtypes.FlowResponseStream], error) {
	f.in = in
	return f.src, f.err
}

type kbCall struct {
	sessionID string
}

type fakeKBInvoker struct {
	calls      []kbCall
	rejectSess bool
	src        Source[agtypes.RetrieveAndGenerateStreamResponseOutput]
	err        error
}

func (f *fakeKBInvoker) RetrieveAndGenerate(_ context.Context, in *bedrockagentruntime.RetrieveAndGenerateStreamInput) (Source[agtypes.RetrieveAndGenerateStreamResponseOutput], string, error) {
	sess := aws.ToString(in.SessionId)
	f.calls = append(f.calls, kbCall{sessionID: sess})
	if f.rejectSess && sess != "" {
		return nil, "", &agtypes.ValidationException{Message: aws.String("session expired")}
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.src, "kb-session-new", nil
}

func chunk(s string) rttypes.ResponseStream {
	return &rttypes.ResponseStreamMemberChunk{Value: rttypes.PayloadPart{Bytes: []byte(s)}}
}

func baseRequest() Request {
	return Request{
		ModelID:   "anthropic.claude-3-haiku",
		System:    "be brief",
		MaxTokens: 256,
		History: []domain.Message{
			domain.TextMessage("h1", domain.RoleUser, "hi", now()),
			domain.TextMessage("h2", domain.RoleAssistant, "hello", now()),
		},
		Prompt: domain.TextMessage("p1", domain.RoleUser, "what is 2+2?", now()),
	}
}

func TestAnthropicAdapterStreams(t *testing.T) {
	src := newFakeSource[rttypes.ResponseStream](nil,
		chunk(`{"type":"message_start","message":{}}`),
		chunk(`{"type":"content_block_start"}`),
		chunk(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Fo"}}`),
		chunk(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"ur"}}`),
		chunk(`{"type":"message_stop","amazon-bedrock-invocationMetrics":{"inputTokenCount":12,"outputTokenCount":2}}`),
	)
	streamer := &fakeModelStreamer{src: src}
	a, err := NewAnthropicAdapter(streamer)
	require.NoError(t, err)
	sink := &fakeSink{}

	res := a.Stream(context.Background(), baseRequest(), newTestNormalizer(sink))

	require.NoError(t, res.Err)
	require.Equal(t, "Four", res.Text)
	require.Equal(t, domain.TokenUsage{InputTokens: 12, OutputTokens: 2}, res.Usage)
	require.Equal(t, "anthropic.claude-3-haiku", streamer.modelID)
	require.Equal(t, 1, countType[domain.MessageStart](sink.events))
	require.Equal(t, 2, countType[domain.ContentBlockDelta](sink.events))
	require.Equal(t, 1, countType[domain.MessageStop](sink.events))

	var body anthropicRequest
	require.NoError(t, json.Unmarshal(streamer.body, &body))
	require.Equal(t, anthropicVersion, body.AnthropicVersion)
	require.Equal(t, "be brief", body.System)
	require.Equal(t, 256, body.MaxTokens)
	require.Len(t, body.Messages, 3)
	require.Equal(t, domain.RoleAssistant, body.Messages[1].Role)
}

func TestAnthropicBodyEncodesAttachments(t *testing.T) {
	req := baseRequest()
	req.History = nil
	req.Prompt.Content = append(req.Prompt.Content,
		domain.ContentBlock{Type: domain.BlockImage, MediaType: "image/png", Data: []byte{1, 2, 3}},
		domain.ContentBlock{Type: domain.BlockImage, MediaType: "image/png"},
	)

	raw, err := anthropicBody(req)
	require.NoError(t, err)

	var body anthropicRequest
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Messages[0].Content, 2)
	img := body.Messages[0].Content[1]
	require.Equal(t, "image", img.Type)
	require.Equal(t, "base64", img.Source.Type)
	require.Equal(t, "AQID", img.Source.Data)
}

func TestAnthropicAdapterInvokeError(t *testing.T) {
	a, err := NewAnthropicAdapter(&fakeModelStreamer{err: errors.New("denied")})
	require.NoError(t, err)
	sink := &fakeSink{}

	res := a.Stream(context.Background(), baseRequest(), newTestNormalizer(sink))

	require.Error(t, res.Err)
	require.False(t, res.Started)
	require.Equal(t, 1, countType[domain.ErrorEvent](sink.events))
	require.Equal(t, 0, countType[domain.MessageStop](sink.events))
}

func TestAnthropicAdapterRequiresModel(t *testing.T) {
	a, err := NewAnthropicAdapter(&fakeModelStreamer{})
	require.NoError(t, err)

	req := baseRequest()
	req.ModelID = ""
	res := a.Stream(context.Background(), req, newTestNormalizer(&fakeSink{}))

	require.ErrorIs(t, res.Err, errEmptyModel)
}

func TestMistralPrompt(t *testing.T) {
	got := mistralPrompt(baseRequest())
	require.Equal(t, "<s>[INST] be brief\n\nhi [/INST] hello</s>[INST] what is 2+2? [/INST]", got)
}

func TestMistralDecoderJoinsOutputs(t *testing.T) {
	step, err := mistralDecoder{}.Decode(chunk(`{"outputs":[{"text":"a","stop_reason":null},{"text":"b","stop_reason":null}]}`))
	require.NoError(t, err)
	require.Equal(t, "ab", step.Fragment.Text)
	require.False(t, step.Terminal)

	step, err = mistralDecoder{}.Decode(chunk(`{"outputs":[{"text":"","stop_reason":"stop"}],"amazon-bedrock-invocationMetrics":{"inputTokenCount":4,"outputTokenCount":9}}`))
	require.NoError(t, err)
	require.Nil(t, step.Fragment)
	require.True(t, step.Terminal)
	require.Equal(t, 9, step.Usage.OutputTokens)

	_, err = mistralDecoder{}.Decode(chunk(`not json`))
	require.Error(t, err)
}

func TestMistralAdapterStreams(t *testing.T) {
	src := newFakeSource[rttypes.ResponseStream](nil,
		chunk(`{"outputs":[{"text":"4","stop_reason":null}]}`),
		chunk(`{"outputs":[{"text":".","stop_reason":"stop"}]}`),
	)
	a, err := NewMistralAdapter(&fakeModelStreamer{src: src})
	require.NoError(t, err)
	sink := &fakeSink{}

	res := a.Stream(context.Background(), baseRequest(), newTestNormalizer(sink))

	require.Equal(t, "4.", res.Text)
	require.Equal(t, 1, countType[domain.MessageStop](sink.events))
}

func TestConverseAdapterStreams(t *testing.T) {
	src := newFakeSource[rttypes.ConverseStreamOutput](nil,
		&rttypes.ConverseStreamOutputMemberMessageStart{Value: rttypes.MessageStartEvent{Role: rttypes.ConversationRoleAssistant}},
		&rttypes.ConverseStreamOutputMemberContentBlockDelta{Value: rttypes.ContentBlockDeltaEvent{Delta: &rttypes.ContentBlockDeltaMemberText{Value: "4"}}},
		&rttypes.ConverseStreamOutputMemberMessageStop{Value: rttypes.MessageStopEvent{StopReason: rttypes.StopReasonEndTurn}},
		&rttypes.ConverseStreamOutputMemberMetadata{Value: rttypes.ConverseStreamMetadataEvent{
			Usage: &rttypes.TokenUsage{InputTokens: aws.Int32(7), OutputTokens: aws.Int32(1)},
		}},
	)
	streamer := &fakeConverseStreamer{src: src}
	a, err := NewConverseAdapter(streamer)
	require.NoError(t, err)
	sink := &fakeSink{}

	res := a.Stream(context.Background(), baseRequest(), newTestNormalizer(sink))

	require.NoError(t, res.Err)
	require.Equal(t, "4", res.Text)
	require.Equal(t, domain.TokenUsage{InputTokens: 7, OutputTokens: 1}, res.Usage)
	require.Len(t, streamer.in.Messages, 3)
	require.Equal(t, rttypes.ConversationRoleAssistant, streamer.in.Messages[1].Role)
	require.Equal(t, int32(256), aws.ToInt32(streamer.in.InferenceConfig.MaxTokens))
	require.Len(t, streamer.in.System, 1)
}

func TestConverseContentFiltersUnsupportedBlocks(t *testing.T) {
	blocks := ConverseContent([]domain.ContentBlock{
		{Type: domain.BlockText, Text: "look"},
		{Type: domain.BlockImage, MediaType: "image/png", Data: []byte{1}},
		{Type: domain.BlockImage, MediaType: "image/tiff", Data: []byte{1}},
		{Type: domain.BlockDocument, MediaType: "application/pdf", Name: "q3.report(final).pdf", Data: []byte{1}},
		{Type: domain.BlockDocument, MediaType: "application/pdf", Name: "empty.pdf"},
	})

	require.Len(t, blocks, 3)
	doc, ok := blocks[2].(*rttypes.ContentBlockMemberDocument)
	require.True(t, ok)
	require.Equal(t, rttypes.DocumentFormatPdf, doc.Value.Format)
	require.Equal(t, "q3 report(final)", aws.ToString(doc.Value.Name))
}

func TestDocumentName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "notes.txt", want: "notes"},
		{in: "my  file__v2.docx", want: "my file v2"},
		{in: "..", want: "document"},
		{in: "", want: "document"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DocumentName(tt.in), tt.in)
	}
}

func TestFlowAdapterStreams(t *testing.T) {
	src := newFakeSource[agtypes.FlowResponseStream](nil,
		&agtypes.FlowResponseStreamMemberFlowOutputEvent{Value: agtypes.FlowOutputEvent{
			Content: &agtypes.FlowOutputContentMemberDocument{Value: agdocument.NewLazyDocument("flow answer")},
		}},
		&agtypes.FlowResponseStreamMemberFlowCompletionEvent{Value: agtypes.FlowCompletionEvent{
			CompletionReason: agtypes.FlowCompletionReasonSuccess,
		}},
	)
	inv := &fakeFlowInvoker{src: src}
	a, err := NewFlowAdapter(inv)
	require.NoError(t, err)
	sink := &fakeSink{}

	req := Request{FlowID: "F1", FlowAliasID: "A1", Prompt: domain.TextMessage("p", domain.RoleUser, "run", now())}
	res := a.Stream(context.Background(), req, newTestNormalizer(sink))

	require.NoError(t, res.Err)
	require.Equal(t, "flow answer", res.Text)
	require.Equal(t, "F1", aws.ToString(inv.in.FlowIdentifier))
	require.Equal(t, flowInputNode, aws.ToString(inv.in.Inputs[0].NodeName))
	require.Equal(t, 1, countType[domain.MessageStop](sink.events))
}

func TestFlowAdapterRequiresIdentifiers(t *testing.T) {
	a, err := NewFlowAdapter(&fakeFlowInvoker{})
	require.NoError(t, err)

	res := a.Stream(context.Background(), Request{FlowID: "F1"}, newTestNormalizer(&fakeSink{}))
	require.Error(t, res.Err)
}

func TestFlowDecoderReportsUnsuccessfulCompletion(t *testing.T) {
	step, err := flowDecoder{}.Decode(&agtypes.FlowResponseStreamMemberFlowCompletionEvent{Value: agtypes.FlowCompletionEvent{
		CompletionReason: agtypes.FlowCompletionReasonInputRequired,
	}})
	require.NoError(t, err)
	require.True(t, step.Terminal)
	var fe *FlowError
	require.ErrorAs(t, step.Failure, &fe)
	require.Equal(t, "INPUT_REQUIRED", fe.Reason)
}

type mapDocument map[string]any

func (d mapDocument) UnmarshalSmithyDocument(v interface{}) error {
	p, ok := v.(*any)
	if !ok {
		return errors.New("unexpected target")
	}
	*p = map[string]any(d)
	return nil
}

func TestDocumentTextEncodesStructuredOutput(t *testing.T) {
	got, err := documentText(mapDocument{"answer": "yes"})
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":"yes"}`, got)
}

func kbRequest() Request {
	return Request{
		ModelID:         "arn:aws:bedrock:us-east-1::foundation-model/anthropic.claude-3-haiku",
		KnowledgeBaseID: "KB1",
		KBSessionID:     "old-session",
		Prompt:          domain.TextMessage("p", domain.RoleUser, "what is in the docs?", now()),
	}
}

func TestKnowledgeBaseAdapterForwardsCitations(t *testing.T) {
	src := newFakeSource[agtypes.RetrieveAndGenerateStreamResponseOutput](nil,
		&agtypes.RetrieveAndGenerateStreamResponseOutputMemberOutput{Value: agtypes.RetrieveAndGenerateOutputEvent{Text: aws.String("The docs say X.")}},
		&agtypes.RetrieveAndGenerateStreamResponseOutputMemberCitation{Value: agtypes.CitationEvent{Citation: &agtypes.Citation{
			GeneratedResponsePart: &agtypes.GeneratedResponsePart{TextResponsePart: &agtypes.TextResponsePart{Text: aws.String("The docs say X.")}},
			RetrievedReferences: []agtypes.RetrievedReference{{
				Content:  &agtypes.RetrievalResultContent{Text: aws.String("X is true")},
				Location: &agtypes.RetrievalResultLocation{S3Location: &agtypes.RetrievalResultS3Location{Uri: aws.String("s3://docs/x.pdf")}},
			}},
		}}},
	)
	inv := &fakeKBInvoker{src: src}
	a, err := NewKnowledgeBaseAdapter(inv)
	require.NoError(t, err)
	sink := &fakeSink{}

	res := a.Stream(context.Background(), kbRequest(), newTestNormalizer(sink))

	require.NoError(t, res.Err)
	require.Equal(t, "The docs say X.", res.Text)
	require.Equal(t, "kb-session-new", res.KBSessionID)
	require.Len(t, res.Citations, 1)
	require.Equal(t, "s3://docs/x.pdf", res.Citations[0].References[0].URI)
	require.Equal(t, 1, countType[domain.CitationData](sink.events))
	require.Equal(t, 1, countType[domain.MessageStop](sink.events))
	require.Equal(t, []kbCall{{sessionID: "old-session"}}, inv.calls)
}

func TestKnowledgeBaseAdapterRetriesWithoutSession(t *testing.T) {
	src := newFakeSource[agtypes.RetrieveAndGenerateStreamResponseOutput](nil,
		&agtypes.RetrieveAndGenerateStreamResponseOutputMemberOutput{Value: agtypes.RetrieveAndGenerateOutputEvent{Text: aws.String("ok")}},
	)
	inv := &fakeKBInvoker{src: src, rejectSess: true}
	a, err := NewKnowledgeBaseAdapter(inv)
	require.NoError(t, err)

	res := a.Stream(context.Background(), kbRequest(), newTestNormalizer(&fakeSink{}))

	require.NoError(t, res.Err)
	require.Equal(t, "ok", res.Text)
	require.Equal(t, []kbCall{{sessionID: "old-session"}, {sessionID: ""}}, inv.calls)
}

func TestKnowledgeBaseAdapterDoesNotRetryOtherErrors(t *testing.T) {
	inv := &fakeKBInvoker{err: &agtypes.AccessDeniedException{Message: aws.String("no")}}
	a, err := NewKnowledgeBaseAdapter(inv)
	require.NoError(t, err)

	res := a.Stream(context.Background(), kbRequest(), newTestNormalizer(&fakeSink{}))

	require.Error(t, res.Err)
	require.Len(t, inv.calls, 1)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := NewConverseAdapter(&fakeConverseStreamer{})
	require.NoError(t, err)
	r.Register(domain.FamilyConverse, a)

	got, err := r.Adapter(domain.FamilyConverse)
	require.NoError(t, err)
	require.Same(t, a, got)

	_, err = r.Adapter(domain.FamilyFlow)
	require.Error(t, err)
}
