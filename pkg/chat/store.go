package chat

import (
	"context"

	"github.com/pkg/errors"
)

// ErrConversationNotFound is returned when a conversation id does not exist
// (or does not belong to the given user).
var ErrConversationNotFound = errors.New("conversation not found")

// ErrLastConversation is returned when a delete would remove the user's sole
// remaining conversation.
var ErrLastConversation = errors.New("cannot delete the last remaining conversation")

// Store is the durable source of truth for users, conversations, messages and
// cached suggestion sets. Implementations must be safe for concurrent use by
// independent sessions.
type Store interface {
	EnsureUser(ctx context.Context, userID string) error

	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)
	GetConversation(ctx context.Context, convID string) (*Conversation, error)
	// MostRecentConversation returns the user's most recently updated
	// conversation, or ErrConversationNotFound when the user has none.
	MostRecentConversation(ctx context.Context, userID string) (*Conversation, error)
	// ListConversations returns all conversations of a user, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	RenameConversation(ctx context.Context, convID, title string) error
	// TouchConversation advances the conversation's updated_at timestamp.
	TouchConversation(ctx context.Context, convID string) error
	// DeleteConversation removes a conversation and everything attached to
	// it. It fails with ErrLastConversation when the conversation is the
	// user's last one; the check and the delete run in one transaction.
	DeleteConversation(ctx context.Context, userID, convID string) error

	// AppendMessage persists a message at the end of the conversation.
	AppendMessage(ctx context.Context, convID string, role Role, content string) (*Message, error)
	CountMessages(ctx context.Context, convID string) (int, error)
	// ListMessages returns the full history, oldest first.
	ListMessages(ctx context.Context, convID string) ([]*Message, error)
	// TailMessages returns the last n messages, oldest first.
	TailMessages(ctx context.Context, convID string, n int) ([]*Message, error)

	// SaveSuggestions replaces the conversation's suggestion set.
	SaveSuggestions(ctx context.Context, convID string, questions []string) error
	// LoadSuggestions returns the cached set, or nil when none is stored.
	LoadSuggestions(ctx context.Context, convID string) ([]string, error)

	Close() error
}
