// Package postgres implements the chat store in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/edgeee/conversations/chat"
)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// mapError translates driver errors into the chat sentinel errors. Malformed
// ids cannot match any row, so they are reported as not found.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrNotFound
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "23505":
			return fmt.Errorf("%w: %s", chat.ErrConflict, pgErr.Field('M'))
		case "22P02":
			return chat.ErrNotFound
		}
	}
	return err
}

// GetProfile returns the profile of a user.
func (pg *Postgres) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	var p profile
	if err := pg.bun.NewSelect().Model(&p).Where("id = ?", userID).Scan(ctx); err != nil {
		return chat.Profile{}, fmt.Errorf("select profile: %w", mapError(err))
	}
	return p.ChatProfile(), nil
}

// GetChatSettings returns the user's chat settings. Users without a settings
// row accept messages from everyone.
func (pg *Postgres) GetChatSettings(ctx context.Context, userID string) (chat.ChatSettings, error) {
	var cs chatSettings
	err := pg.bun.NewSelect().Model(&cs).Where("user_id = ?", userID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ChatSettings{UserID: userID, AllowMessagesFrom: chat.PolicyEveryone}, nil
	}
	if err != nil {
		return chat.ChatSettings{}, fmt.Errorf("select chat settings: %w", mapError(err))
	}
	return chat.ChatSettings{
		UserID:            cs.UserID,
		AllowMessagesFrom: chat.MessagePolicy(cs.AllowMessagesFrom),
	}, nil
}

// IsFollowing reports whether followerID follows followingID.
func (pg *Postgres) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model(&follow{FollowerID: followerID, FollowingID: followingID}).
		WherePK().
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("select follow: %w", mapError(err))
	}
	return ok, nil
}

// GetConversation returns a conversation by id.
func (pg *Postgres) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var c conversation
	if err := pg.bun.NewSelect().Model(&c).Where("id = ?", id).Scan(ctx); err != nil {
		return chat.Conversation{}, fmt.Errorf("select conversation: %w", mapError(err))
	}
	return c.ChatConversation(), nil
}

// FindConversation returns the oldest conversation between a and b.
func (pg *Postgres) FindConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	var c conversation
	err := pg.bun.NewSelect().
		Model(&c).
		Where("(participant1_id = ? AND participant2_id = ?) OR (participant1_id = ? AND participant2_id = ?)", a, b, b, a).
		Order("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("select conversation: %w", mapError(err))
	}
	return c.ChatConversation(), nil
}

// InsertConversation inserts a conversation. The returned conversation holds
// auto generated fields, such as the conversation id.
func (pg *Postgres) InsertConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	c := &conversation{
		Participant1ID:      conv.Participant1ID,
		Participant2ID:      conv.Participant2ID,
		CreatedAt:           conv.CreatedAt,
		LastActivityAt:      conv.LastActivityAt,
		DisappearingSeconds: conv.DisappearingSeconds,
		EncryptionEnabled:   conv.EncryptionEnabled,
	}
	if _, err := pg.bun.NewInsert().Model(c).Returning("*").Exec(ctx); err != nil {
		return chat.Conversation{}, fmt.Errorf("insert: %w", mapError(err))
	}
	return c.ChatConversation(), nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (pg *Postgres) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var convs []conversation
	err := pg.bun.NewSelect().
		Model(&convs).
		Where("participant1_id = ? OR participant2_id = ?", userID, userID).
		Order("last_activity_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", mapError(err))
	}
	out := make([]chat.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.ChatConversation()
	}
	return out, nil
}

// TouchConversation moves the conversation's last activity forward to at.
func (pg *Postgres) TouchConversation(ctx context.Context, id string, at time.Time) error {
	return pg.updateConversation(ctx, id, "last_activity_at = GREATEST(last_activity_at, ?)", at)
}

// UpdateDisappearing sets or clears the disappearing-message interval.
func (pg *Postgres) UpdateDisappearing(ctx context.Context, id string, seconds *int) error {
	return pg.updateConversation(ctx, id, "disappearing_seconds = ?", seconds)
}

// UpdateEncryption sets the encryption flag.
func (pg *Postgres) UpdateEncryption(ctx context.Context, id string, enabled bool) error {
	return pg.updateConversation(ctx, id, "encryption_enabled = ?", enabled)
}

func (pg *Postgres) updateConversation(ctx context.Context, id, set string, arg any) error {
	res, err := pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set(set, arg).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update conversation: %w", mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update conversation: %w", chat.ErrNotFound)
	}
	return nil
}

// ListMessages returns the messages of a conversation, oldest first.
func (pg *Postgres) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", mapError(err))
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out, nil
}

// GetMessage returns a message by id.
func (pg *Postgres) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	var m message
	if err := pg.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("select message: %w", mapError(err))
	}
	return m.ChatMessage(), nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id.
func (pg *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	m := &message{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		ImageURL:       msg.ImageURL,
		ReplyToID:      msg.ReplyToID,
		CreatedAt:      msg.CreatedAt,
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", mapError(err))
	}
	return m.ChatMessage(), nil
}

// MarkRead sets delivered and read on the given messages.
func (pg *Postgres) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("delivered = TRUE").
		Set("read = TRUE").
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update messages: %w", mapError(err))
	}
	return nil
}

// MarkDelivered sets delivered on the given messages.
func (pg *Postgres) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("delivered = TRUE").
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update messages: %w", mapError(err))
	}
	return nil
}

// CountUnread counts the messages of a conversation that userID has not read.
func (pg *Postgres) CountUnread(ctx context.Context, conversationID, userID string, since *time.Time) (int, error) {
	q := pg.bun.NewSelect().
		Model((*message)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("sender_id <> ?", userID).
		Where("read = FALSE")
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", mapError(err))
	}
	return n, nil
}

// ListReactions returns the reactions on the given messages, oldest first.
func (pg *Postgres) ListReactions(ctx context.Context, messageIDs []string) ([]chat.Reaction, error) {
	if len(messageIDs) == 0 {
		return []chat.Reaction{}, nil
	}
	var rs []reaction
	err := pg.bun.NewSelect().
		Model(&rs).
		Where("message_id IN (?)", bun.In(messageIDs)).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", mapError(err))
	}
	out := make([]chat.Reaction, len(rs))
	for i, r := range rs {
		out[i] = r.ChatReaction()
	}
	return out, nil
}

// HasReaction reports whether the (message, user, emoji) reaction exists.
func (pg *Postgres) HasReaction(ctx context.Context, r chat.Reaction) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model((*reaction)(nil)).
		Where("message_id = ?", r.MessageID).
		Where("user_id = ?", r.UserID).
		Where("emoji = ?", r.Emoji).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("select reaction: %w", mapError(err))
	}
	return ok, nil
}

// InsertReaction inserts a message reaction into the database.
func (pg *Postgres) InsertReaction(ctx context.Context, r chat.Reaction) (chat.Reaction, error) {
	rm := &reaction{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
	}
	if _, err := pg.bun.NewInsert().Model(rm).Returning("*").Exec(ctx); err != nil {
		return chat.Reaction{}, fmt.Errorf("insert: %w", mapError(err))
	}
	return rm.ChatReaction(), nil
}

// DeleteReaction removes the (message, user, emoji) reaction.
func (pg *Postgres) DeleteReaction(ctx context.Context, r chat.Reaction) error {
	_, err := pg.bun.NewDelete().
		Model((*reaction)(nil)).
		Where("message_id = ?", r.MessageID).
		Where("user_id = ?", r.UserID).
		Where("emoji = ?", r.Emoji).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", mapError(err))
	}
	return nil
}

// HasRelation reports whether userID has set rel on targetID.
func (pg *Postgres) HasRelation(ctx context.Context, rel chat.Relation, userID, targetID string) (bool, error) {
	m, err := relationModel(rel, userID, targetID)
	if err != nil {
		return false, err
	}
	ok, err := pg.bun.NewSelect().Model(m).WherePK().Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("select %s: %w", rel, mapError(err))
	}
	return ok, nil
}

// InsertRelation sets rel from userID on targetID.
func (pg *Postgres) InsertRelation(ctx context.Context, rel chat.Relation, userID, targetID string) error {
	m, err := relationModel(rel, userID, targetID)
	if err != nil {
		return err
	}
	if _, err := pg.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("insert %s: %w", rel, mapError(err))
	}
	return nil
}

// DeleteRelation clears rel from userID on targetID.
func (pg *Postgres) DeleteRelation(ctx context.Context, rel chat.Relation, userID, targetID string) error {
	m, err := relationModel(rel, userID, targetID)
	if err != nil {
		return err
	}
	if _, err := pg.bun.NewDelete().Model(m).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", rel, mapError(err))
	}
	return nil
}

// GetDeletion returns when userID deleted the conversation, or nil.
func (pg *Postgres) GetDeletion(ctx context.Context, userID, conversationID string) (*time.Time, error) {
	d := &deletion{UserID: userID, ConversationID: conversationID}
	err := pg.bun.NewSelect().Model(d).WherePK().Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select deletion: %w", mapError(err))
	}
	return &d.DeletedAt, nil
}

// UpsertDeletion records or moves forward the user's deletion marker.
func (pg *Postgres) UpsertDeletion(ctx context.Context, userID, conversationID string, at time.Time) error {
	d := &deletion{UserID: userID, ConversationID: conversationID, DeletedAt: at}
	_, err := pg.bun.NewInsert().
		Model(d).
		On("CONFLICT (user_id, conversation_id) DO UPDATE").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert deletion: %w", mapError(err))
	}
	return nil
}
