package stream

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"bedrock-chat/internal/domain"
)

// ConverseStreamer opens Converse API streams.
type ConverseStreamer interface {
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (Source[rttypes.ConverseStreamOutput], error)
}

// ConverseAdapter streams any Converse-capable model, including imported
// models.
type ConverseAdapter struct {
	streamer ConverseStreamer
}

func NewConverseAdapter(s ConverseStreamer) (*ConverseAdapter, error) {
	if s == nil {
		return nil, errors.New("stream: converse streamer must not be nil")
	}
	return &ConverseAdapter{streamer: s}, nil
}

func (a *ConverseAdapter) Stream(ctx context.Context, req Request, n *Normalizer) Result {
	if req.ModelID == "" {
		return abort(ctx, n, errEmptyModel)
	}
	src, err := a.streamer.ConverseStream(ctx, converseInput(req))
	if err != nil {
		return abort(ctx, n, err)
	}
	Consume[rttypes.ConverseStreamOutput](ctx, n, src, converseDecoder{})
	return n.Finish(ctx)
}

func converseInput(req Request) *bedrockruntime.ConverseStreamInput {
	in := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(req.ModelID)}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &rttypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if s := strings.TrimSpace(req.System); s != "" {
		in.System = []rttypes.SystemContentBlock{&rttypes.SystemContentBlockMemberText{Value: s}}
	}
	for _, m := range conversation(req) {
		blocks := ConverseContent(m.Content)
		if len(blocks) == 0 {
			continue
		}
		role := rttypes.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = rttypes.ConversationRoleAssistant
		}
		in.Messages = append(in.Messages, rttypes.Message{Role: role, Content: blocks})
	}
	return in
}

// ConverseContent converts message content to Converse content blocks.
// Binary blocks without inline bytes or with an unsupported media type are
// dropped.
func ConverseContent(content []domain.ContentBlock) []rttypes.ContentBlock {
	out := make([]rttypes.ContentBlock, 0, len(content))
	for _, b := range content {
		switch b.Type {
		case domain.BlockText:
			if b.Text != "" {
				out = append(out, &rttypes.ContentBlockMemberText{Value: b.Text})
			}
		case domain.BlockImage:
			format, ok := imageFormats[b.MediaType]
			if !ok || len(b.Data) == 0 {
				continue
			}
			out = append(out, &rttypes.ContentBlockMemberImage{Value: rttypes.ImageBlock{
				Format: format,
				Source: &rttypes.ImageSourceMemberBytes{Value: b.Data},
			}})
		case domain.BlockDocument:
			format, ok := documentFormats[b.MediaType]
			if !ok || len(b.Data) == 0 {
				continue
			}
			out = append(out, &rttypes.ContentBlockMemberDocument{Value: rttypes.DocumentBlock{
				Format: format,
				Name:   aws.String(DocumentName(b.Name)),
				Source: &rttypes.DocumentSourceMemberBytes{Value: b.Data},
			}})
		}
	}
	return out
}

var imageFormats = map[string]rttypes.ImageFormat{
	"image/png":  rttypes.ImageFormatPng,
	"image/jpeg": rttypes.ImageFormatJpeg,
	"image/gif":  rttypes.ImageFormatGif,
	"image/webp": rttypes.ImageFormatWebp,
}

var documentFormats = map[string]rttypes.DocumentFormat{
	"application/pdf":          rttypes.DocumentFormatPdf,
	"application/msword":       rttypes.DocumentFormatDoc,
	"application/vnd.ms-excel": rttypes.DocumentFormatXls,
	"text/csv":                 rttypes.DocumentFormatCsv,
	"text/html":                rttypes.DocumentFormatHtml,
	"text/plain":               rttypes.DocumentFormatTxt,
	"text/markdown":            rttypes.DocumentFormatMd,

	docxMediaType: rttypes.DocumentFormatDocx,
	xlsxMediaType: rttypes.DocumentFormatXlsx,
}

const (
	docxMediaType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var documentNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9\s\-\(\)\[\]]+`)

// DocumentName sanitizes a file name to the character set Converse accepts.
func DocumentName(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	name = strings.Join(strings.Fields(documentNameDisallowed.ReplaceAllString(name, " ")), " ")
	if name == "" {
		return "document"
	}
	return name
}

// converseDecoder: messageStart opens, text deltas stream, and the metadata
// event that follows messageStop terminates with token usage.
type converseDecoder struct{}

func (converseDecoder) Decode(elem rttypes.ConverseStreamOutput) (Step, error) {
	switch v := elem.(type) {
	case *rttypes.ConverseStreamOutputMemberMessageStart:
		return Step{Fragment: &Fragment{}}, nil
	case *rttypes.ConverseStreamOutputMemberContentBlockDelta:
		d, ok := v.Value.Delta.(*rttypes.ContentBlockDeltaMemberText)
		if !ok || d.Value == "" {
			return Step{}, nil
		}
		return Step{Fragment: &Fragment{Text: d.Value}}, nil
	case *rttypes.ConverseStreamOutputMemberMetadata:
		step := Step{Terminal: true}
		if u := v.Value.Usage; u != nil {
			step.Usage = &domain.TokenUsage{
				InputTokens:  int(aws.ToInt32(u.InputTokens)),
				OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			}
		}
		return step, nil
	default:
		return Step{}, nil
	}
}
