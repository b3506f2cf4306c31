// Package chattest provides in-memory implementations of the chat store and
// image bucket for tests.
package chattest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeee/conversations/chat"
)

type relationKey struct {
	rel      chat.Relation
	userID   string
	targetID string
}

type deletionKey struct {
	userID         string
	conversationID string
}

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

// Store is an in-memory chat.Store. The zero value is ready to use.
type Store struct {
	// Fail, when set, is called with the method name before every call. A
	// non-nil result is returned instead of running the method.
	Fail func(method string) error

	mu            sync.Mutex
	ops           map[string]int
	seq           int
	profiles      map[string]chat.Profile
	settings      map[string]chat.ChatSettings
	follows       map[[2]string]bool
	conversations map[string]chat.Conversation
	messages      map[string]chat.Message
	messageSeq    map[string]int
	reactions     map[reactionKey]chat.Reaction
	relations     map[relationKey]bool
	deletions     map[deletionKey]time.Time
}

func (s *Store) begin(method string) error {
	s.mu.Lock()
	if s.ops == nil {
		s.ops = make(map[string]int)
	}
	s.ops[method]++
	fail := s.Fail
	s.mu.Unlock()
	if fail != nil {
		return fail(method)
	}
	return nil
}

// Ops returns the total number of store calls made so far.
func (s *Store) Ops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.ops {
		n += c
	}
	return n
}

// Calls returns the number of calls made to one method.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[method]
}

// AddProfile seeds a profile.
func (s *Store) AddProfile(p chat.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiles == nil {
		s.profiles = make(map[string]chat.Profile)
	}
	s.profiles[p.ID] = p
}

// SetChatSettings seeds a user's chat settings.
func (s *Store) SetChatSettings(cs chat.ChatSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = make(map[string]chat.ChatSettings)
	}
	s.settings[cs.UserID] = cs
}

// Follow records that followerID follows followingID.
func (s *Store) Follow(followerID, followingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.follows == nil {
		s.follows = make(map[[2]string]bool)
	}
	s.follows[[2]string{followerID, followingID}] = true
}

// AddConversation seeds a conversation, assigning an id when empty.
func (s *Store) AddConversation(c chat.Conversation) chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertConversationLocked(c)
}

// AddMessage seeds a message, assigning an id when empty.
func (s *Store) AddMessage(m chat.Message) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertMessageLocked(m)
}

// Message returns a stored message without counting a call.
func (s *Store) Message(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Conversation returns a stored conversation without counting a call.
func (s *Store) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Reactions returns the number of stored reaction rows.
func (s *Store) Reactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reactions)
}

func (s *Store) GetProfile(_ context.Context, userID string) (chat.Profile, error) {
	if err := s.begin("GetProfile"); err != nil {
		return chat.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return chat.Profile{}, chat.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetChatSettings(_ context.Context, userID string) (chat.ChatSettings, error) {
	if err := s.begin("GetChatSettings"); err != nil {
		return chat.ChatSettings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.settings[userID]
	if !ok {
		return chat.ChatSettings{UserID: userID, AllowMessagesFrom: chat.PolicyEveryone}, nil
	}
	return cs, nil
}

func (s *Store) IsFollowing(_ context.Context, followerID, followingID string) (bool, error) {
	if err := s.begin("IsFollowing"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.follows[[2]string{followerID, followingID}], nil
}

func (s *Store) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	if err := s.begin("GetConversation"); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindConversation(_ context.Context, a, b string) (chat.Conversation, error) {
	if err := s.begin("FindConversation"); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if (c.Participant1ID == a && c.Participant2ID == b) || (c.Participant1ID == b && c.Participant2ID == a) {
			return c, nil
		}
	}
	return chat.Conversation{}, chat.ErrNotFound
}

func (s *Store) InsertConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	if err := s.begin("InsertConversation"); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertConversationLocked(c), nil
}

func (s *Store) insertConversationLocked(c chat.Conversation) chat.Conversation {
	if s.conversations == nil {
		s.conversations = make(map[string]chat.Conversation)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}
	s.conversations[c.ID] = c
	return c
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	if err := s.begin("ListConversations"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *Store) TouchConversation(_ context.Context, id string, at time.Time) error {
	if err := s.begin("TouchConversation"); err != nil {
		return err
	}
	return s.updateConversation(id, func(c *chat.Conversation) { c.LastActivityAt = at })
}

func (s *Store) UpdateDisappearing(_ context.Context, id string, seconds *int) error {
	if err := s.begin("UpdateDisappearing"); err != nil {
		return err
	}
	return s.updateConversation(id, func(c *chat.Conversation) { c.DisappearingSeconds = seconds })
}

func (s *Store) UpdateEncryption(_ context.Context, id string, enabled bool) error {
	if err := s.begin("UpdateEncryption"); err != nil {
		return err
	}
	return s.updateConversation(id, func(c *chat.Conversation) { c.EncryptionEnabled = enabled })
}

func (s *Store) updateConversation(id string, fn func(*chat.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.ErrNotFound
	}
	fn(&c)
	s.conversations[id] = c
	return nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	if err := s.begin("ListMessages"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.messageSeq[out[i].ID] < s.messageSeq[out[j].ID]
	})
	return out, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (chat.Message, error) {
	if err := s.begin("GetMessage"); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return m, nil
}

func (s *Store) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	if err := s.begin("InsertMessage"); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return s.insertMessageLocked(m), nil
}

func (s *Store) insertMessageLocked(m chat.Message) chat.Message {
	if s.messages == nil {
		s.messages = make(map[string]chat.Message)
		s.messageSeq = make(map[string]int)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.seq++
	s.messageSeq[m.ID] = s.seq
	s.messages[m.ID] = m
	return m
}

func (s *Store) MarkRead(_ context.Context, ids []string) error {
	if err := s.begin("MarkRead"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.Delivered, m.Read = true, true
			s.messages[id] = m
		}
	}
	return nil
}

func (s *Store) MarkDelivered(_ context.Context, ids []string) error {
	if err := s.begin("MarkDelivered"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.Delivered = true
			s.messages[id] = m
		}
	}
	return nil
}

func (s *Store) CountUnread(_ context.Context, conversationID, userID string, since *time.Time) (int, error) {
	if err := s.begin("CountUnread"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.Read {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) ListReactions(_ context.Context, messageIDs []string) ([]chat.Reaction, error) {
	if err := s.begin("ListReactions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	out := make([]chat.Reaction, 0)
	for _, r := range s.reactions {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) HasReaction(_ context.Context, r chat.Reaction) (bool, error) {
	if err := s.begin("HasReaction"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reactions[reactionKey{r.MessageID, r.UserID, r.Emoji}]
	return ok, nil
}

func (s *Store) InsertReaction(_ context.Context, r chat.Reaction) (chat.Reaction, error) {
	if err := s.begin("InsertReaction"); err != nil {
		return chat.Reaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions == nil {
		s.reactions = make(map[reactionKey]chat.Reaction)
	}
	k := reactionKey{r.MessageID, r.UserID, r.Emoji}
	if _, ok := s.reactions[k]; ok {
		return chat.Reaction{}, chat.ErrConflict
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.reactions[k] = r
	return r, nil
}

func (s *Store) DeleteReaction(_ context.Context, r chat.Reaction) error {
	if err := s.begin("DeleteReaction"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions, reactionKey{r.MessageID, r.UserID, r.Emoji})
	return nil
}

func (s *Store) HasRelation(_ context.Context, rel chat.Relation, userID, targetID string) (bool, error) {
	if err := s.begin("HasRelation"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relations[relationKey{rel, userID, targetID}], nil
}

func (s *Store) InsertRelation(_ context.Context, rel chat.Relation, userID, targetID string) error {
	if err := s.begin("InsertRelation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relations == nil {
		s.relations = make(map[relationKey]bool)
	}
	k := relationKey{rel, userID, targetID}
	if s.relations[k] {
		return chat.ErrConflict
	}
	s.relations[k] = true
	return nil
}

func (s *Store) DeleteRelation(_ context.Context, rel chat.Relation, userID, targetID string) error {
	if err := s.begin("DeleteRelation"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relations, relationKey{rel, userID, targetID})
	return nil
}

func (s *Store) GetDeletion(_ context.Context, userID, conversationID string) (*time.Time, error) {
	if err := s.begin("GetDeletion"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.deletions[deletionKey{userID, conversationID}]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (s *Store) UpsertDeletion(_ context.Context, userID, conversationID string, at time.Time) error {
	if err := s.begin("UpsertDeletion"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deletions == nil {
		s.deletions = make(map[deletionKey]time.Time)
	}
	s.deletions[deletionKey{userID, conversationID}] = at
	return nil
}
