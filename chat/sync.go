package chat

import (
	"context"
	"fmt"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// SyncCache keeps the cache in step with writes made by other instances
// sharing the feed. Every table is subscribed unfiltered before SyncCache
// returns; each event then invalidates the keys it affects until ctx is
// done. The returned channel receives the reason the loop stopped, nil when
// ctx ended it.
func (s *Service) SyncCache(ctx context.Context) (<-chan error, error) {
	tables := []realtime.Table{realtime.TableMessages, realtime.TableReactions, realtime.TableConversations}
	subs := make([]*realtime.Subscription, 0, len(tables))
	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, t := range tables {
		sub, err := s.Feed.Subscribe(ctx, realtime.Filter{Table: t})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("subscribe %s: %w", t, err)
		}
		subs = append(subs, sub)
	}

	done := make(chan error, 1)
	go func() {
		defer closeAll()
		done <- s.syncLoop(ctx, subs[0].C, subs[1].C, subs[2].C)
	}()
	return done, nil
}

func (s *Service) syncLoop(ctx context.Context, messages, reactions, conversations <-chan realtime.Event) error {
	for {
		var (
			e  realtime.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case e, ok = <-messages:
		case e, ok = <-reactions:
		case e, ok = <-conversations:
		}
		if !ok {
			return errFeedClosed
		}
		s.invalidate(ctx, s.affectedKeys(ctx, e)...)
	}
}

// affectedKeys maps a change to the cache keys holding data it touched.
func (s *Service) affectedKeys(ctx context.Context, e realtime.Event) []querycache.Key {
	id := e.ConversationID
	if id == "" {
		return nil
	}
	switch e.Table {
	case realtime.TableReactions:
		return []querycache.Key{querycache.ReactionsKey(id)}
	case realtime.TableMessages:
		keys := []querycache.Key{querycache.MessagesKey(id), querycache.ReactionsKey(id)}
		for _, u := range s.participants(ctx, id) {
			keys = append(keys, querycache.InboxKey(u))
		}
		return keys
	case realtime.TableConversations:
		keys := []querycache.Key{querycache.ConversationKey(id)}
		for _, u := range s.participants(ctx, id) {
			keys = append(keys, querycache.OptionsKey(u, id), querycache.InboxKey(u))
		}
		return keys
	default:
		return nil
	}
}

func (s *Service) participants(ctx context.Context, conversationID string) []string {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		s.Logger.Warn("Could not resolve participants of changed conversation", "conversation_id", conversationID, "error", err.Error())
		return nil
	}
	return []string{conv.Participant1ID, conv.Participant2ID}
}
