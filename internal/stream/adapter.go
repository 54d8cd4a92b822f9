package stream

import (
	"context"
	"errors"
	"fmt"

	"bedrock-chat/internal/domain"
)

// Request is a provider-agnostic chat invocation.
type Request struct {
	ModelID         string
	FlowID          string
	FlowAliasID     string
	KnowledgeBaseID string
	KBSessionID     string
	System          string
	MaxTokens       int
	History         []domain.Message
	Prompt          domain.Message
}

// Adapter invokes one model family and feeds its stream into n.
type Adapter interface {
	Stream(ctx context.Context, req Request, n *Normalizer) Result
}

// Registry maps model families to their adapters. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	adapters map[domain.Family]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Family]Adapter)}
}

// Register binds a to family, replacing any previous adapter.
func (r *Registry) Register(family domain.Family, a Adapter) {
	r.adapters[family] = a
}

// Adapter returns the adapter registered for family.
func (r *Registry) Adapter(family domain.Family) (Adapter, error) {
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("stream: no adapter registered for family %q", family)
	}
	return a, nil
}

// abort reports a failure that happened before any stream was opened.
func abort(ctx context.Context, n *Normalizer, err error) Result {
	n.Fail(ctx, err)
	return n.Finish(ctx)
}

var errEmptyModel = errors.New("stream: model id must not be empty")

// conversation returns history followed by the prompt.
func conversation(req Request) []domain.Message {
	msgs := make([]domain.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	return append(msgs, req.Prompt)
}
