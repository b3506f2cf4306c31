package chat

import "time"

// A Profile is the public part of a user account.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// A Conversation is a direct-message thread between two participants. There
// is at most one conversation per unordered pair of participants.
type Conversation struct {
	ID                  string    `json:"id"`
	Participant1ID      string    `json:"participant1_id"`
	Participant2ID      string    `json:"participant2_id"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	DisappearingSeconds *int      `json:"disappearing_seconds"`
	EncryptionEnabled   bool      `json:"encryption_enabled"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// A Message is a single entry of a conversation. Delivered and Read only
// ever move from false to true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ImageURL       *string   `json:"image_url"`
	ReplyToID      *string   `json:"reply_to_id"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// A Reaction is one emoji left by one user on one message. The
// (MessageID, UserID, Emoji) triple is unique.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionSummary aggregates the reactions of a message sharing one emoji.
type ReactionSummary struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"`
}

// ReplyPreview is the excerpt of a replied-to message shown above a reply.
type ReplyPreview struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	HasImage bool   `json:"has_image"`
}

// MessageView is a message as rendered in the conversation view.
type MessageView struct {
	Message
	Reactions []ReactionSummary `json:"reactions"`
	ReplyTo   *ReplyPreview     `json:"reply_to,omitempty"`
}

// DayGroup is a contiguous run of messages sent on the same calendar date.
type DayGroup struct {
	Date     string        `json:"date"`
	Messages []MessageView `json:"messages"`
}

// View is everything needed to render one conversation for one viewer.
type View struct {
	Conversation Conversation `json:"conversation"`
	Other        Profile      `json:"other"`
	Days         []DayGroup   `json:"days"`
}

// Update is emitted to live viewers: either a fresh view or a transient
// notice describing why the view could not be refreshed.
type Update struct {
	View   *View  `json:"view,omitempty"`
	Notice string `json:"notice,omitempty"`
}

// Relation is a per-user set membership flag.
type Relation uint8

const (
	// RelationMute targets a conversation.
	RelationMute Relation = iota + 1
	// RelationBlock targets a user.
	RelationBlock
	// RelationRestrict targets a user.
	RelationRestrict
)

func (r Relation) String() string {
	switch r {
	case RelationMute:
		return "mute"
	case RelationBlock:
		return "block"
	case RelationRestrict:
		return "restrict"
	default:
		return "unknown"
	}
}

// MessagePolicy decides who may start a conversation with a user.
type MessagePolicy string

const (
	PolicyEveryone  MessagePolicy = "everyone"
	PolicyFollowing MessagePolicy = "following"
	PolicyNoOne     MessagePolicy = "no_one"
)

// ChatSettings holds a user's inbound-message gating policy.
type ChatSettings struct {
	UserID            string        `json:"user_id"`
	AllowMessagesFrom MessagePolicy `json:"allow_messages_from"`
}

// OptionsState is the viewer's current settings for one conversation.
type OptionsState struct {
	Muted               bool       `json:"muted"`
	Blocked             bool       `json:"blocked"`
	Restricted          bool       `json:"restricted"`
	DisappearingSeconds *int       `json:"disappearing_seconds"`
	EncryptionEnabled   bool       `json:"encryption_enabled"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// Notice confirms an option change to the viewer.
type Notice struct {
	Message      string `json:"message"`
	Active       bool   `json:"active"`
	NavigateAway bool   `json:"navigate_away,omitempty"`
}

// InboxEntry is one row of the viewer's conversation list.
type InboxEntry struct {
	Conversation Conversation `json:"conversation"`
	Other        Profile      `json:"other"`
	Muted        bool         `json:"muted"`
	Unread       int          `json:"unread"`
}
