package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// ToggleReaction removes userID's emoji from the message when present and
// adds it otherwise. It reports whether the reaction exists afterwards.
func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, invalid("emoji", "emoji is required")
	}

	msg, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}
	if _, err := s.participantConversation(ctx, userID, msg.ConversationID); err != nil {
		return false, err
	}

	r := Reaction{MessageID: msg.ID, UserID: userID, Emoji: emoji}
	exists, err := s.Store.HasReaction(ctx, r)
	if err != nil {
		return false, fmt.Errorf("read reaction: %w", err)
	}

	op := realtime.OpInsert
	if exists {
		op = realtime.OpDelete
		if err := s.Store.DeleteReaction(ctx, r); err != nil {
			return false, fmt.Errorf("delete reaction: %w", err)
		}
		s.Metrics.reactionToggled("removed")
	} else {
		if _, err := s.Store.InsertReaction(ctx, r); err != nil {
			if !errors.Is(err, ErrConflict) {
				return false, fmt.Errorf("insert reaction: %w", err)
			}
			s.Logger.Info("Reaction already present", "message_id", msg.ID, "user_id", userID, "emoji", emoji)
		}
		s.Metrics.reactionToggled("added")
	}

	s.invalidate(ctx, querycache.ReactionsKey(msg.ConversationID))
	e := realtime.NewEvent(realtime.TableReactions, op)
	e.ConversationID = msg.ConversationID
	e.MessageID = msg.ID
	e.UserID = userID
	s.publish(ctx, e)

	return !exists, nil
}

// MessageReactions returns the aggregated reactions of one message.
func (s *Service) MessageReactions(ctx context.Context, viewerID, messageID string) ([]ReactionSummary, error) {
	msg, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if _, err := s.participantConversation(ctx, viewerID, msg.ConversationID); err != nil {
		return nil, err
	}
	all, err := s.reactions(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	var rows []Reaction
	for _, r := range all {
		if r.MessageID == msg.ID {
			rows = append(rows, r)
		}
	}
	return AggregateReactions(rows, viewerID), nil
}
