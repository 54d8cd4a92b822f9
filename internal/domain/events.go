package domain

// Outbound event types delivered to a client connection.
const (
	EventMessageStart        = "message_start"
	EventContentBlockDelta   = "content_block_delta"
	EventCitationData        = "citation_data"
	EventMessageTitle        = "message_title"
	EventMessageStop         = "message_stop"
	EventConversationHistory = "conversation_history"
	EventConversationList    = "load_conversation_list"
	EventError               = "error"
	EventModelScan           = "modelscan"
)

type TextDelta struct {
	Text string `json:"text"`
}

type MessageStart struct {
	Type      string     `json:"type"`
	MessageID string     `json:"message_id"`
	SessionID string     `json:"session_id"`
	Delta     *TextDelta `json:"delta,omitempty"`
}

type ContentBlockDelta struct {
	Type           string    `json:"type"`
	MessageID      string    `json:"message_id"`
	Delta          TextDelta `json:"delta"`
	MessageCounter int       `json:"message_counter"`
}

type CitationData struct {
	Type      string   `json:"type"`
	MessageID string   `json:"message_id"`
	Delta     Citation `json:"delta"`
}

type MessageTitle struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Title     string `json:"title"`
}

type MessageStop struct {
	Type            string      `json:"type"`
	MessageID       string      `json:"message_id"`
	SessionID       string      `json:"session_id"`
	NewConversation bool        `json:"new_conversation"`
	Timestamp       string      `json:"timestamp"`
	Usage           *TokenUsage `json:"usage,omitempty"`
}

type ConversationHistory struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	Chunk        []Message `json:"chunk"`
	CurrentChunk int       `json:"current_chunk"`
	TotalChunks  int       `json:"total_chunks"`
	LastMessage  bool      `json:"last_message"`
}

type ConversationList struct {
	Type              string                `json:"type"`
	ConversationList  []ConversationSummary `json:"conversation_list"`
	SelectedSessionID string                `json:"selected_session_id"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ModelScan struct {
	Type      string           `json:"type"`
	Results   CapabilityMatrix `json:"results"`
	Timestamp string           `json:"timestamp"`
}
