package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Language selects the localized strings and enrichment prompts for a session.
type Language string

const (
	LangRussian Language = "ru"
	LangKazakh  Language = "kk"
)

// DefaultLanguage is used until the client picks one.
const DefaultLanguage = LangRussian

// ParseLanguage returns the language for a client-provided code.
func ParseLanguage(code string) (Language, bool) {
	switch Language(code) {
	case LangRussian, LangKazakh:
		return Language(code), true
	}
	return "", false
}

// SuggestionCount is the number of follow-up questions a SuggestionSet holds.
const SuggestionCount = 4

// Conversation is a titled, ordered thread of messages belonging to one user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one utterance in a conversation. Messages are append-only and
// strictly ordered by their autoincrement id.
type Message struct {
	ID             int64
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
}

// SuggestionSet is the cached set of follow-up questions for a conversation.
// There is at most one live set per conversation; regeneration replaces it.
type SuggestionSet struct {
	ConversationID string
	Questions      []string
	UpdatedAt      time.Time
}
