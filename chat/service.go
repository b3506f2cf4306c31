// Package chat implements the messaging subsystem: the conversation view,
// the message composer and the conversation options, over a typed Store, a
// realtime Feed and a query cache.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// DefaultMaxImageBytes is the largest accepted chat image (500 KiB).
const DefaultMaxImageBytes = 500 * 1024

// Service coordinates reads through the query cache, writes to the store and
// change notification through the feed.
type Service struct {
	Logger  *slog.Logger
	Store   Store
	Bucket  Bucket
	Feed    realtime.Feed
	Cache   *querycache.Cache
	Metrics *Metrics

	// MaxImageBytes defaults to DefaultMaxImageBytes.
	MaxImageBytes int
	// Now defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	composers map[composerKey]*Composer
	lastSweep time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ImageLimit returns the largest accepted image size in bytes.
func (s *Service) ImageLimit() int {
	if s.MaxImageBytes > 0 {
		return s.MaxImageBytes
	}
	return DefaultMaxImageBytes
}

func (s *Service) conversation(ctx context.Context, id string) (Conversation, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.ConversationKey(id), func(ctx context.Context) (Conversation, error) {
		return s.Store.GetConversation(ctx, id)
	})
}

// Conversation returns the conversation when viewerID is one of its
// participants.
func (s *Service) Conversation(ctx context.Context, viewerID, conversationID string) (Conversation, error) {
	return s.participantConversation(ctx, viewerID, conversationID)
}

// participantConversation loads the conversation and checks that userID is
// one of its participants.
func (s *Service) participantConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

func (s *Service) profile(ctx context.Context, userID string) (Profile, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.ProfileKey(userID), func(ctx context.Context) (Profile, error) {
		return s.Store.GetProfile(ctx, userID)
	})
}

func (s *Service) messages(ctx context.Context, conversationID string) ([]Message, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.MessagesKey(conversationID), func(ctx context.Context) ([]Message, error) {
		return s.Store.ListMessages(ctx, conversationID)
	})
}

// reactions fetches the reactions of the conversation's current message id
// set, so a refetch after invalidation follows newly arrived messages.
func (s *Service) reactions(ctx context.Context, conversationID string) ([]Reaction, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.ReactionsKey(conversationID), func(ctx context.Context) ([]Reaction, error) {
		msgs, err := s.messages(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		return s.Store.ListReactions(ctx, ids)
	})
}

func (s *Service) invalidate(ctx context.Context, keys ...querycache.Key) {
	for _, k := range keys {
		if err := s.Cache.Invalidate(ctx, k); err != nil {
			s.Logger.Warn("Could not refresh cache entry", "key", k.String(), "error", err.Error())
		}
	}
}

// publish notifies the feed. A failed publish only delays other viewers
// until their next fetch, so it is logged rather than returned.
func (s *Service) publish(ctx context.Context, e realtime.Event) {
	if s.Feed == nil {
		return
	}
	if err := s.Feed.Publish(ctx, e); err != nil {
		s.Logger.Error("Could not publish realtime event", "table", e.Table, "op", e.Op, "error", err.Error())
	}
}

func (s *Service) isBlockedEitherWay(ctx context.Context, a, b string) (bool, error) {
	blocked, err := s.Store.HasRelation(ctx, RelationBlock, a, b)
	if err != nil || blocked {
		return blocked, err
	}
	return s.Store.HasRelation(ctx, RelationBlock, b, a)
}
