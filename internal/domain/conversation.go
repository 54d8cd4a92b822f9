package domain

import "time"

// Conversation is a hydrated session: record metadata plus its full history.
type Conversation struct {
	SessionID       string
	UserID          string
	Title           string
	LastModified    time.Time
	SelectedModelID string
	Category        string
	KBSessionID     string
	InOverflow      bool
	Messages        []Message
}

// ConversationSummary is one entry of a user's session index.
type ConversationSummary struct {
	SessionID       string `json:"session_id"`
	Title           string `json:"title"`
	LastModified    string `json:"last_modified_date"`
	SelectedModelID string `json:"selected_model_id,omitempty"`
	Category        string `json:"category,omitempty"`
}
