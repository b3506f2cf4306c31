package querycache

// Kind is the entity kind a cache key refers to.
type Kind uint8

const (
	KindConversation Kind = iota + 1
	KindMessages
	KindReactions
	KindOptions
	KindProfile
	KindInbox
)

func (k Kind) String() string {
	switch k {
	case KindConversation:
		return "conversation"
	case KindMessages:
		return "messages"
	case KindReactions:
		return "reactions"
	case KindOptions:
		return "options"
	case KindProfile:
		return "profile"
	case KindInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

// A Key identifies one cached query. Keys can only be built with the
// constructors below, so every key pairs a known kind with its entity id.
type Key struct {
	kind Kind
	id   string
}

// ConversationKey is the key of a conversation's metadata.
func ConversationKey(conversationID string) Key {
	return Key{kind: KindConversation, id: conversationID}
}

// MessagesKey is the key of a conversation's message list.
func MessagesKey(conversationID string) Key {
	return Key{kind: KindMessages, id: conversationID}
}

// ReactionsKey is the key of the reactions on a conversation's messages.
func ReactionsKey(conversationID string) Key {
	return Key{kind: KindReactions, id: conversationID}
}

// OptionsKey is the key of one viewer's settings for a conversation.
func OptionsKey(userID, conversationID string) Key {
	return Key{kind: KindOptions, id: userID + "/" + conversationID}
}

// ProfileKey is the key of a user profile.
func ProfileKey(userID string) Key {
	return Key{kind: KindProfile, id: userID}
}

// InboxKey is the key of a user's conversation list.
func InboxKey(userID string) Key {
	return Key{kind: KindInbox, id: userID}
}

// Kind returns the entity kind of the key.
func (k Key) Kind() Kind { return k.kind }

// ID returns the entity id of the key.
func (k Key) ID() string { return k.id }

func (k Key) String() string {
	return k.kind.String() + ":" + k.id
}
