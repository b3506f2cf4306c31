package chat

import (
	"context"
	"time"
)

// A Store is the typed data-access layer over the remote data store. Every
// method returns ErrNotFound for missing rows and ErrConflict for uniqueness
// violations.
type Store interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	GetChatSettings(ctx context.Context, userID string) (ChatSettings, error)
	IsFollowing(ctx context.Context, followerID, followingID string) (bool, error)

	GetConversation(ctx context.Context, id string) (Conversation, error)
	// FindConversation returns the conversation between a and b in either
	// participant order.
	FindConversation(ctx context.Context, a, b string) (Conversation, error)
	InsertConversation(ctx context.Context, conv Conversation) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	UpdateDisappearing(ctx context.Context, id string, seconds *int) error
	UpdateEncryption(ctx context.Context, id string, enabled bool) error

	// ListMessages returns the messages of a conversation ordered by
	// creation time ascending.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// MarkRead sets delivered and read on the given messages.
	MarkRead(ctx context.Context, ids []string) error
	// MarkDelivered sets delivered on the given messages.
	MarkDelivered(ctx context.Context, ids []string) error
	// CountUnread counts unread messages not sent by userID, created after
	// since when since is set.
	CountUnread(ctx context.Context, conversationID, userID string, since *time.Time) (int, error)

	ListReactions(ctx context.Context, messageIDs []string) ([]Reaction, error)
	HasReaction(ctx context.Context, r Reaction) (bool, error)
	InsertReaction(ctx context.Context, r Reaction) (Reaction, error)
	DeleteReaction(ctx context.Context, r Reaction) error

	HasRelation(ctx context.Context, rel Relation, userID, targetID string) (bool, error)
	InsertRelation(ctx context.Context, rel Relation, userID, targetID string) error
	DeleteRelation(ctx context.Context, rel Relation, userID, targetID string) error

	// GetDeletion returns the time userID deleted the conversation, or nil.
	GetDeletion(ctx context.Context, userID, conversationID string) (*time.Time, error)
	UpsertDeletion(ctx context.Context, userID, conversationID string, at time.Time) error
}

// A Bucket stores uploaded chat images and returns their public URL.
type Bucket interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}
