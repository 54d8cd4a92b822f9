package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bedrock-chat/internal/chunk"
	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/integrations/paramstore"
	"bedrock-chat/internal/repository"
	"bedrock-chat/internal/stream"
)

const (
	defaultMaxTokens = 4096
	maxTitleRunes    = 50
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type ConversationStore interface {
	Load(ctx context.Context, userID, sessionID string) (domain.Conversation, error)
	Append(ctx context.Context, in repository.AppendInput) (repository.AppendResult, error)
	Clear(ctx context.Context, userID, sessionID string) error
	List(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
}

type UsageRecorder interface {
	Record(ctx context.Context, userID string, inputTokens, outputTokens int) error
}

type ModelResolver interface {
	Resolve(ctx context.Context, modelID string) (domain.CapabilityEntry, error)
}

type AdapterRegistry interface {
	Adapter(family domain.Family) (stream.Adapter, error)
}

// AttachmentReader resolves uploaded attachment keys to bytes.
type AttachmentReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type ChatConfig struct {
	MaxTokens     int
	ChunkMaxBytes int
	Logger        *slog.Logger
}

type ChatService struct {
	params      ParamGetter
	store       ConversationStore
	usage       UsageRecorder
	models      ModelResolver
	adapters    AdapterRegistry
	attachments AttachmentReader
	maxTokens   int
	chunkMax    int
	log         *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
}

// ModelSelector names the invocation target: a model, a flow, or a
// knowledge base answered by a model.
type ModelSelector struct {
	ModelID         string `json:"model_id"`
	FlowID          string `json:"flow_id,omitempty"`
	FlowAliasID     string `json:"flow_alias_id,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}

type PromptInput struct {
	UserID    string
	SessionID string
	Content   []domain.ContentBlock
	Model     ModelSelector
	Title     string
	Category  string
}

type PromptOutput struct {
	SessionID       string
	MessageID       string
	NewConversation bool
	Text            string
	Usage           domain.TokenUsage
	StreamErr       error
}

func NewChatService(p ParamGetter, store ConversationStore, usage UsageRecorder, models ModelResolver, adapters AdapterRegistry, attachments AttachmentReader, cfg ChatConfig) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if usage == nil {
		return nil, errors.New("usecase: usage recorder must not be nil")
	}
	if models == nil {
		return nil, errors.New("usecase: model resolver must not be nil")
	}
	if adapters == nil {
		return nil, errors.New("usecase: adapter registry must not be nil")
	}
	if attachments == nil {
		return nil, errors.New("usecase: attachment reader must not be nil")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.ChunkMaxBytes <= 0 {
		cfg.ChunkMaxBytes = chunk.DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatService{
		params:      p,
		store:       store,
		usage:       usage,
		models:      models,
		adapters:    adapters,
		attachments: attachments,
		maxTokens:   cfg.MaxTokens,
		chunkMax:    cfg.ChunkMaxBytes,
		log:         cfg.Logger,
	}, nil
}

// Prompt streams one model response to sink and persists the exchange.
// Failures before the stream opens are returned as *Error and nothing is
// sent; stream failures are delivered as an error event and reported in
// PromptOutput.StreamErr. A non-nil error after streaming means persistence
// failed.
func (s *ChatService) Prompt(ctx context.Context, sink stream.Sink, in PromptInput) (PromptOutput, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return PromptOutput{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	prompt := domain.Message{Role: domain.RoleUser, Content: in.Content}
	if prompt.IsBlank() {
		return PromptOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return PromptOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	sessionID := strings.TrimSpace(in.SessionID)
	resume := sessionID != ""
	if !resume {
		sessionID = newUUID()
	}
	log := s.log.With("session_id", sessionID, "user_id", in.UserID)

	var conv domain.Conversation
	if resume {
		loaded, err := s.store.Load(ctx, in.UserID, sessionID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return PromptOutput{}, newError(ErrorInternal, "conversation_load_error", err)
		default:
			conv = loaded
		}
	}

	family, req, err := s.route(ctx, in.Model)
	if err != nil {
		return PromptOutput{}, err
	}
	adapter, err := s.adapters.Adapter(family)
	if err != nil {
		return PromptOutput{}, newError(ErrorInternal, "no_adapter", err)
	}

	resolved, err := s.resolveAttachments(ctx, in.Content)
	if err != nil {
		return PromptOutput{}, newError(ErrorInvalidInput, "attachment_unavailable", err)
	}

	messageID := newUUID()
	prompt.MessageID = newUUID()
	prompt.Timestamp = now().UTC()
	newConversation := len(conv.Messages) == 0

	req.System = s.systemPrompt
	req.MaxTokens = s.maxTokens
	req.History = conv.Messages
	req.Prompt = domain.Message{Role: domain.RoleUser, Content: resolved}
	if family == domain.FamilyKnowledgeBase {
		req.KBSessionID = conv.KBSessionID
	}

	n := stream.NewNormalizer(sink, stream.Config{
		MessageID:       messageID,
		SessionID:       sessionID,
		NewConversation: newConversation,
		Logger:          log,
		Describe:        Describe,
	})
	res := adapter.Stream(ctx, req, n)

	// A title is only announced for a conversation that has output to save.
	var title string
	if newConversation {
		title = deriveTitle(in.Title, prompt.Text())
		if res.Started && sink.Alive() {
			if err := sink.Send(ctx, domain.MessageTitle{Type: domain.EventMessageTitle, MessageID: messageID, Title: title}); err != nil {
				log.Warn("failed to deliver title", "err", err)
			}
		}
	}

	out := PromptOutput{
		SessionID:       sessionID,
		MessageID:       messageID,
		NewConversation: newConversation,
		Text:            res.Text,
		Usage:           res.Usage,
		StreamErr:       res.Err,
	}

	// Delivery is done; persistence must not be cut short by a caller that
	// has gone away.
	pctx := context.WithoutCancel(ctx)
	var errs []error
	_, err = s.store.Append(pctx, repository.AppendInput{
		UserID:          in.UserID,
		SessionID:       sessionID,
		Title:           title,
		SelectedModelID: in.Model.ModelID,
		Category:        in.Category,
		KBSessionID:     res.KBSessionID,
		Messages: []domain.Message{
			prompt,
			domain.TextMessage(messageID, domain.RoleAssistant, res.Text, res.CompletedAt),
		},
	})
	if err != nil {
		log.Error("failed to persist conversation", "err", err)
		errs = append(errs, err)
	}
	if res.Started {
		if err := s.usage.Record(pctx, in.UserID, res.Usage.InputTokens, res.Usage.OutputTokens); err != nil {
			log.Error("failed to record usage", "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return out, newError(ErrorInternal, "persistence_error", errors.Join(errs...))
	}
	return out, nil
}

// route resolves the selector to an adapter family and a partially filled
// request.
func (s *ChatService) route(ctx context.Context, sel ModelSelector) (domain.Family, stream.Request, error) {
	switch {
	case sel.FlowID != "":
		if sel.FlowAliasID == "" {
			return "", stream.Request{}, newError(ErrorInvalidInput, "missing_flow_alias", nil)
		}
		return domain.FamilyFlow, stream.Request{FlowID: sel.FlowID, FlowAliasID: sel.FlowAliasID}, nil
	case sel.ModelID == "":
		return "", stream.Request{}, newError(ErrorInvalidInput, "missing_model", nil)
	}

	entry, err := s.models.Resolve(ctx, sel.ModelID)
	if err != nil {
		return "", stream.Request{}, err
	}
	if sel.KnowledgeBaseID != "" {
		arn := entry.ModelArn
		if arn == "" {
			arn = entry.ModelID
		}
		return domain.FamilyKnowledgeBase, stream.Request{ModelID: arn, KnowledgeBaseID: sel.KnowledgeBaseID}, nil
	}
	family := entry.Family
	if family == "" {
		family = domain.FamilyConverse
	}
	return family, stream.Request{ModelID: entry.ModelID}, nil
}

// resolveAttachments returns a copy of content with S3-key blocks loaded.
// The stored prompt keeps only the key.
func (s *ChatService) resolveAttachments(ctx context.Context, content []domain.ContentBlock) ([]domain.ContentBlock, error) {
	out := make([]domain.ContentBlock, len(content))
	copy(out, content)
	for i, b := range out {
		if b.S3Key == "" || len(b.Data) > 0 {
			continue
		}
		data, err := s.attachments.Get(ctx, b.S3Key)
		if err != nil {
			return nil, fmt.Errorf("usecase: resolve attachment %s: %w", b.S3Key, err)
		}
		out[i].Data = data
	}
	return out, nil
}

// Load replays a conversation as size-bounded history chunks followed by the
// user's conversation list.
func (s *ChatService) Load(ctx context.Context, sink stream.Sink, userID, sessionID string) error {
	conv, err := s.store.Load(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorInternal, "conversation_load_error", err)
	}
	chunks, err := chunk.Split(conv.Messages, s.chunkMax)
	if err != nil {
		return newError(ErrorInternal, "chunk_error", err)
	}
	if len(chunks) == 0 {
		chunks = []chunk.Chunk[domain.Message]{{Items: []domain.Message{}, Index: 1, Total: 1, Last: true}}
	}
	for _, c := range chunks {
		err := sink.Send(ctx, domain.ConversationHistory{
			Type:         domain.EventConversationHistory,
			SessionID:    sessionID,
			Chunk:        c.Items,
			CurrentChunk: c.Index,
			TotalChunks:  c.Total,
			LastMessage:  c.Last,
		})
		if err != nil && !sink.Alive() {
			return nil
		}
	}
	return s.List(ctx, sink, userID, sessionID)
}

// Clear deletes a conversation and sends the refreshed list.
func (s *ChatService) Clear(ctx context.Context, sink stream.Sink, userID, sessionID string) error {
	if err := s.store.Clear(ctx, userID, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorInternal, "conversation_clear_error", err)
	}
	return s.List(ctx, sink, userID, "")
}

// List sends the user's conversation index.
func (s *ChatService) List(ctx context.Context, sink stream.Sink, userID, selected string) error {
	list, err := s.store.List(ctx, userID)
	if err != nil {
		return newError(ErrorInternal, "conversation_list_error", err)
	}
	if err := sink.Send(ctx, domain.ConversationList{
		Type:              domain.EventConversationList,
		ConversationList:  list,
		SelectedSessionID: selected,
	}); err != nil {
		s.log.Warn("failed to deliver conversation list", "err", err)
	}
	return nil
}

// ensureConfig loads the system prompt once. A missing parameter means no
// system prompt; any other failure is retried on the next request.
func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	prompt, err := s.params.GetParameter(ctx, paramstore.SystemPrompt)
	if err != nil && !errors.Is(err, paramstore.ErrNotFound) {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	s.systemPrompt = strings.TrimSpace(prompt)
	s.cacheLoaded = true
	return nil
}

// deriveTitle prefers the client title, else the first 50 runes of the
// prompt text.
func deriveTitle(clientTitle, text string) string {
	if t := strings.TrimSpace(clientTitle); t != "" {
		return t
	}
	t := strings.Join(strings.Fields(text), " ")
	if r := []rune(t); len(r) > maxTitleRunes {
		t = string(r[:maxTitleRunes])
	}
	if t == "" {
		return "New conversation"
	}
	return t
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
