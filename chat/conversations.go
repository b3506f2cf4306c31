package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// StartConversation returns the conversation between viewerID and otherID,
// creating it when none exists and the other user's chat settings allow it.
// The bool reports whether a conversation was created.
//
// Uniqueness of the pair relies on the lookup before the insert; two clients
// starting the same conversation at once can both insert.
func (s *Service) StartConversation(ctx context.Context, viewerID, otherID string) (Conversation, bool, error) {
	if otherID == "" {
		return Conversation{}, false, invalid("user_id", "user is required")
	}
	if otherID == viewerID {
		return Conversation{}, false, invalid("user_id", "cannot start a conversation with yourself")
	}
	if _, err := s.profile(ctx, otherID); err != nil {
		return Conversation{}, false, fmt.Errorf("get profile: %w", err)
	}

	blocked, err := s.isBlockedEitherWay(ctx, viewerID, otherID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return Conversation{}, false, ErrBlocked
	}

	conv, err := s.Store.FindConversation(ctx, viewerID, otherID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, fmt.Errorf("find conversation: %w", err)
	}

	if err := s.checkInboundPolicy(ctx, viewerID, otherID); err != nil {
		return Conversation{}, false, err
	}

	now := s.now()
	conv, err = s.Store.InsertConversation(ctx, Conversation{
		Participant1ID: viewerID,
		Participant2ID: otherID,
		CreatedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	s.invalidate(ctx, querycache.InboxKey(viewerID), querycache.InboxKey(otherID))
	e := realtime.NewEvent(realtime.TableConversations, realtime.OpInsert)
	e.ConversationID = conv.ID
	e.UserID = viewerID
	s.publish(ctx, e)

	return conv, true, nil
}

// checkInboundPolicy applies the recipient's chat settings to a new
// conversation started by senderID.
func (s *Service) checkInboundPolicy(ctx context.Context, senderID, recipientID string) error {
	settings, err := s.Store.GetChatSettings(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("get chat settings: %w", err)
	}
	switch settings.AllowMessagesFrom {
	case PolicyNoOne:
		return ErrMessagingNotAllowed
	case PolicyFollowing:
		following, err := s.Store.IsFollowing(ctx, recipientID, senderID)
		if err != nil {
			return fmt.Errorf("check follow: %w", err)
		}
		if !following {
			return ErrMessagingNotAllowed
		}
	}
	return nil
}

// Inbox lists the viewer's conversations, most recently active first.
// Conversations the viewer deleted stay hidden until they see new activity.
func (s *Service) Inbox(ctx context.Context, viewerID string) ([]InboxEntry, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.InboxKey(viewerID), func(ctx context.Context) ([]InboxEntry, error) {
		convs, err := s.Store.ListConversations(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}

		out := make([]InboxEntry, 0, len(convs))
		for _, conv := range convs {
			deletedAt, err := s.Store.GetDeletion(ctx, viewerID, conv.ID)
			if err != nil {
				return nil, fmt.Errorf("get deletion: %w", err)
			}
			if deletedAt != nil && !conv.LastActivityAt.After(*deletedAt) {
				continue
			}
			other, err := s.profile(ctx, conv.Other(viewerID))
			if err != nil {
				return nil, fmt.Errorf("get profile: %w", err)
			}
			muted, err := s.Store.HasRelation(ctx, RelationMute, viewerID, conv.ID)
			if err != nil {
				return nil, fmt.Errorf("read mute: %w", err)
			}
			unread, err := s.Store.CountUnread(ctx, conv.ID, viewerID, deletedAt)
			if err != nil {
				return nil, fmt.Errorf("count unread: %w", err)
			}
			out = append(out, InboxEntry{
				Conversation: conv,
				Other:        other,
				Muted:        muted,
				Unread:       unread,
			})
		}
		return out, nil
	})
}
