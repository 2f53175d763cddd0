package session

import "time"

// Frame is one server→client message on the websocket.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server→client frame types. These names are the wire contract with the
// browser client.
const (
	FrameConversationsList   = "conversations-list"
	FrameChatLoaded          = "chat-loaded"
	FrameNewConversation     = "new-conversation"
	FrameStreamStart         = "stream-start"
	FrameStreamChunk         = "stream-chunk"
	FrameStreamEnd           = "stream-end"
	FrameSuggestions         = "suggestions"
	FrameTitleUpdated        = "title-updated"
	FrameConversationDeleted = "conversation-deleted"
	FrameDeleteRejected      = "delete-rejected"
	FrameConversationInvalid = "conversation-invalid"
)

type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConversationsListPayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type MessagePayload struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatLoadedPayload struct {
	ConvID   string           `json:"conv_id"`
	Messages []MessagePayload `json:"messages"`
}

type NewConversationPayload struct {
	ConvID string `json:"conv_id"`
}

type StreamPayload struct {
	ConvID  string `json:"conv_id"`
	Content string `json:"content,omitempty"`
}

type SuggestionsPayload struct {
	ConvID    string   `json:"conv_id"`
	Questions []string `json:"questions"`
}

type TitleUpdatedPayload struct {
	ConvID string `json:"conv_id"`
	Title  string `json:"title"`
}

type ConversationDeletedPayload struct {
	ConvID string `json:"conv_id"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

// Emitter delivers frames to the connected client. Implementations must be
// safe for concurrent use; frames from one goroutine are delivered in order.
type Emitter interface {
	Emit(frame Frame)
}
