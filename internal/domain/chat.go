package domain

import (
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType discriminates the content blocks of a message.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImage    BlockType = "image"
	BlockDocument BlockType = "document"
)

// ContentBlock is one typed piece of message content. Binary blocks carry
// either inline bytes or an S3 key written by the upload collaborator.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	Name      string    `json:"name,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	S3Key     string    `json:"s3_key,omitempty"`
}

// Message is the provider-agnostic chat message shape used by the stream
// adapters and the conversation store. Messages are immutable once appended.
type Message struct {
	MessageID string         `json:"message_id"`
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// TextMessage builds a single-block text message.
func TextMessage(id, role, text string, ts time.Time) Message {
	return Message{
		MessageID: id,
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: ts,
	}
}

// Text joins the text blocks of the message.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsBlank reports whether the message carries no text and no attachments.
func (m Message) IsBlank() bool {
	for _, b := range m.Content {
		if b.Type != BlockText {
			return false
		}
		if strings.TrimSpace(b.Text) != "" {
			return false
		}
	}
	return true
}

// Citation is a knowledge-base citation attached to part of a response.
type Citation struct {
	GeneratedText string      `json:"generated_text,omitempty"`
	References    []Reference `json:"references"`
}

type Reference struct {
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// TokenUsage carries the token counters reported by the upstream model.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
