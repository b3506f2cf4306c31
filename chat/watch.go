package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

var errFeedClosed = errors.New("realtime feed closed")

// Watch emits the conversation view to viewerID and a fresh view after every
// change to it, until ctx is done or emit fails.
//
// Two feed subscriptions live for the duration of the call: message events
// filtered to the conversation, and all reaction events, which are matched
// against the current message id set locally. Events only invalidate cache
// keys; the refetch that follows notifies the watcher, which rebuilds the
// view. Both subscriptions are closed on return. They are opened before the
// first view is built, so no change made meanwhile is missed.
func (s *Service) Watch(ctx context.Context, viewerID, conversationID string, loc *time.Location, emit func(Update) error) error {
	if _, err := s.participantConversation(ctx, viewerID, conversationID); err != nil {
		return err
	}

	msgSub, err := s.Feed.Subscribe(ctx, realtime.Filter{Table: realtime.TableMessages, ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	defer msgSub.Close()

	reactionSub, err := s.Feed.Subscribe(ctx, realtime.Filter{Table: realtime.TableReactions})
	if err != nil {
		return fmt.Errorf("subscribe reactions: %w", err)
	}
	defer reactionSub.Close()

	refresh := make(chan struct{}, 1)
	signal := func(querycache.Key) {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
	for _, k := range []querycache.Key{
		querycache.ConversationKey(conversationID),
		querycache.MessagesKey(conversationID),
		querycache.ReactionsKey(conversationID),
	} {
		unsubscribe := s.Cache.Subscribe(k, signal)
		defer unsubscribe()
	}

	view, err := s.View(ctx, viewerID, conversationID, loc)
	if err != nil {
		return err
	}
	if err := emit(Update{View: &view}); err != nil {
		return err
	}

	ids := messageIDs(view)
	for {
		var keys []querycache.Key
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-msgSub.C:
			if !ok {
				return errFeedClosed
			}
			keys = []querycache.Key{
				querycache.MessagesKey(conversationID),
				querycache.ReactionsKey(conversationID),
			}
		case e, ok := <-reactionSub.C:
			if !ok {
				return errFeedClosed
			}
			if _, mine := ids[e.MessageID]; !mine {
				continue
			}
			keys = []querycache.Key{querycache.ReactionsKey(conversationID)}
		case <-refresh:
			v, err := s.View(ctx, viewerID, conversationID, loc)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.Logger.Warn("Could not refresh conversation view", "conversation_id", conversationID, "error", err.Error())
				if err := emit(Update{Notice: "Could not refresh the conversation"}); err != nil {
					return err
				}
				continue
			}
			ids = messageIDs(v)
			if err := emit(Update{View: &v}); err != nil {
				return err
			}
			continue
		}

		for _, k := range keys {
			if err := s.Cache.Invalidate(ctx, k); err != nil {
				s.Logger.Warn("Could not refetch after realtime event", "key", k.String(), "error", err.Error())
				if err := emit(Update{Notice: "Could not refresh the conversation"}); err != nil {
					return err
				}
			}
		}
	}
}

func messageIDs(v View) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, d := range v.Days {
		for _, m := range d.Messages {
			ids[m.ID] = struct{}{}
		}
	}
	return ids
}
