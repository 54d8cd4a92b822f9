// Package handler adapts Lambda invocations to the chat and scan use cases.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"bedrock-chat/internal/channel"
	"bedrock-chat/internal/domain"
	"bedrock-chat/internal/identity"
	"bedrock-chat/internal/stream"
	"bedrock-chat/internal/usecase"
)

const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"

	typePrompt = "prompt"
	typeLoad   = "load"
	typeClear  = "clear_conversation"
	typeList   = "list_conversations"
)

type ChatUseCase interface {
	Prompt(ctx context.Context, sink stream.Sink, in usecase.PromptInput) (usecase.PromptOutput, error)
	Load(ctx context.Context, sink stream.Sink, userID, sessionID string) error
	Clear(ctx context.Context, sink stream.Sink, userID, sessionID string) error
	List(ctx context.Context, sink stream.Sink, userID, selected string) error
}

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (identity.Identity, error)
}

type Handler struct {
	chat     ChatUseCase
	verifier IdentityVerifier
	conns    *channel.Factory
	log      *slog.Logger
}

type inboundMessage struct {
	Type          string                `json:"type"`
	SessionID     string                `json:"session_id"`
	Prompt        string                `json:"prompt"`
	Content       []domain.ContentBlock `json:"content"`
	ModelSelector usecase.ModelSelector `json:"model_selector"`
	IdentityToken string                `json:"identity_token"`
	Title         string                `json:"title"`
	Category      string                `json:"category"`
}

func NewHandler(chat ChatUseCase, verifier IdentityVerifier, conns *channel.Factory, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if verifier == nil {
		return nil, errors.New("handler: verifier must not be nil")
	}
	if conns == nil {
		return nil, errors.New("handler: connection factory must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, verifier: verifier, conns: conns, log: logger}, nil
}

// Handle serves one WebSocket route invocation. Results and failures are
// pushed to the connection; the returned status mirrors the outcome for
// API Gateway logs.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	log := h.log.With("connection_id", rc.ConnectionID, "request_id", rc.RequestID, "route", rc.RouteKey)

	switch rc.RouteKey {
	case routeConnect, routeDisconnect:
		log.Info("connection event")
		return respond(http.StatusOK), nil
	}

	conn := h.conns.For(rc.ConnectionID)

	var msg inboundMessage
	if err := json.Unmarshal([]byte(req.Body), &msg); err != nil {
		log.Warn("invalid message body", "err", err)
		return h.fail(ctx, conn, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}), nil
	}

	id, err := h.verifier.Verify(ctx, msg.IdentityToken)
	if err != nil {
		log.Warn("identity verification failed", "err", err)
		return h.fail(ctx, conn, log, err), nil
	}
	log = log.With("user_id", id.UserID, "session_id", msg.SessionID)

	switch strings.TrimSpace(msg.Type) {
	case "", typePrompt:
		out, err := h.chat.Prompt(ctx, conn, usecase.PromptInput{
			UserID:    id.UserID,
			SessionID: msg.SessionID,
			Content:   msg.content(),
			Model:     msg.ModelSelector,
			Title:     msg.Title,
			Category:  msg.Category,
		})
		if err != nil {
			return h.fail(ctx, conn, log, err), nil
		}
		log.Info("prompt completed",
			"session_id", out.SessionID,
			"message_id", out.MessageID,
			"input_tokens", out.Usage.InputTokens,
			"output_tokens", out.Usage.OutputTokens,
			"stream_err", out.StreamErr,
		)
		if out.StreamErr != nil {
			return respond(statusFor(usecase.Classify(out.StreamErr))), nil
		}
	case typeLoad:
		if msg.SessionID == "" {
			return h.fail(ctx, conn, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_session_id"}), nil
		}
		if err := h.chat.Load(ctx, conn, id.UserID, msg.SessionID); err != nil {
			return h.fail(ctx, conn, log, err), nil
		}
	case typeClear:
		if msg.SessionID == "" {
			return h.fail(ctx, conn, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_session_id"}), nil
		}
		if err := h.chat.Clear(ctx, conn, id.UserID, msg.SessionID); err != nil {
			return h.fail(ctx, conn, log, err), nil
		}
	case typeList:
		if err := h.chat.List(ctx, conn, id.UserID, msg.SessionID); err != nil {
			return h.fail(ctx, conn, log, err), nil
		}
	default:
		return h.fail(ctx, conn, log, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_type"}), nil
	}
	return respond(http.StatusOK), nil
}

// content merges the plain prompt field with structured content blocks.
func (m inboundMessage) content() []domain.ContentBlock {
	var blocks []domain.ContentBlock
	if strings.TrimSpace(m.Prompt) != "" {
		blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: m.Prompt})
	}
	return append(blocks, m.Content...)
}

func (h *Handler) fail(ctx context.Context, conn *channel.Connection, log *slog.Logger, err error) events.APIGatewayProxyResponse {
	code, text := usecase.Describe(err)
	status := statusFor(usecase.Classify(err))
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "err", err, "code", code)
	} else {
		log.Warn("request rejected", "err", err, "code", code)
	}
	sendError(ctx, conn, log, code, text)
	return respond(status)
}

func sendError(ctx context.Context, conn *channel.Connection, log *slog.Logger, code, text string) {
	if err := conn.Send(ctx, domain.ErrorEvent{Type: domain.EventError, Code: code, Error: text}); err != nil {
		log.Warn("failed to deliver error event", "err", err)
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorAccessDenied:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(status int) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status}
}
