package postgres

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/edgeee/conversations/chat"
)

type profile struct {
	bun.BaseModel `bun:"table:profiles"`

	ID          string `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	Username    string `bun:",notnull,unique"`
	DisplayName string `bun:",notnull,default:''"`
	AvatarURL   string `bun:",notnull,default:''"`
}

type follow struct {
	bun.BaseModel `bun:"table:follows"`

	FollowerID  string `bun:",pk,type:uuid"`
	FollowingID string `bun:",pk,type:uuid"`
}

type chatSettings struct {
	bun.BaseModel `bun:"table:chat_settings"`

	UserID            string `bun:",pk,type:uuid"`
	AllowMessagesFrom string `bun:",notnull,default:'everyone'"`
}

type conversation struct {
	bun.BaseModel `bun:"table:conversations"`

	ID                  string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	Participant1ID      string    `bun:"participant1_id,type:uuid,notnull"`
	Participant2ID      string    `bun:"participant2_id,type:uuid,notnull"`
	CreatedAt           time.Time `bun:",nullzero,notnull,default:now()"`
	LastActivityAt      time.Time `bun:",nullzero,notnull,default:now()"`
	DisappearingSeconds *int
	EncryptionEnabled   bool `bun:",notnull,default:false"`
}

type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID             string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ConversationID string    `bun:",type:uuid,notnull"`
	SenderID       string    `bun:",type:uuid,notnull"`
	Content        string    `bun:",notnull"`
	ImageURL       *string   `bun:"image_url"`
	ReplyToID      *string   `bun:",type:uuid"`
	Delivered      bool      `bun:",notnull,default:false"`
	Read           bool      `bun:",notnull,default:false"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
}

type reaction struct {
	bun.BaseModel `bun:"table:message_reactions"`

	ID        string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	MessageID string    `bun:",type:uuid,notnull"`
	UserID    string    `bun:",type:uuid,notnull"`
	Emoji     string    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:now()"`
}

type mute struct {
	bun.BaseModel `bun:"table:muted_conversations"`

	UserID         string `bun:",pk,type:uuid"`
	ConversationID string `bun:",pk,type:uuid"`
}

type block struct {
	bun.BaseModel `bun:"table:blocked_accounts"`

	UserID    string `bun:",pk,type:uuid"`
	BlockedID string `bun:",pk,type:uuid"`
}

type restriction struct {
	bun.BaseModel `bun:"table:restricted_accounts"`

	UserID       string `bun:",pk,type:uuid"`
	RestrictedID string `bun:",pk,type:uuid"`
}

type deletion struct {
	bun.BaseModel `bun:"table:conversation_deletions"`

	UserID         string    `bun:",pk,type:uuid"`
	ConversationID string    `bun:",pk,type:uuid"`
	DeletedAt      time.Time `bun:",notnull"`
}

func (p profile) ChatProfile() chat.Profile {
	return chat.Profile{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

func (c conversation) ChatConversation() chat.Conversation {
	return chat.Conversation{
		ID:                  c.ID,
		Participant1ID:      c.Participant1ID,
		Participant2ID:      c.Participant2ID,
		CreatedAt:           c.CreatedAt,
		LastActivityAt:      c.LastActivityAt,
		DisappearingSeconds: c.DisappearingSeconds,
		EncryptionEnabled:   c.EncryptionEnabled,
	}
}

func (m message) ChatMessage() chat.Message {
	return chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ImageURL:       m.ImageURL,
		ReplyToID:      m.ReplyToID,
		Delivered:      m.Delivered,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

func (r reaction) ChatReaction() chat.Reaction {
	return chat.Reaction{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: r.CreatedAt,
	}
}

// relationModel returns the row of the table backing rel.
func relationModel(rel chat.Relation, userID, targetID string) (any, error) {
	switch rel {
	case chat.RelationMute:
		return &mute{UserID: userID, ConversationID: targetID}, nil
	case chat.RelationBlock:
		return &block{UserID: userID, BlockedID: targetID}, nil
	case chat.RelationRestrict:
		return &restriction{UserID: userID, RestrictedID: targetID}, nil
	default:
		return nil, fmt.Errorf("unknown relation %d", rel)
	}
}
