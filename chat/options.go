package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// DisappearingIntervals are the accepted disappearing-message intervals in
// seconds, with their display names.
var DisappearingIntervals = map[int]string{
	24 * 60 * 60:      "24 hours",
	7 * 24 * 60 * 60:  "7 days",
	90 * 24 * 60 * 60: "90 days",
}

func (s *Service) options(ctx context.Context, viewerID, conversationID string) (OptionsState, error) {
	return querycache.Fetch(ctx, s.Cache, querycache.OptionsKey(viewerID, conversationID), func(ctx context.Context) (OptionsState, error) {
		conv, err := s.conversation(ctx, conversationID)
		if err != nil {
			return OptionsState{}, err
		}
		other := conv.Other(viewerID)

		st := OptionsState{
			DisappearingSeconds: conv.DisappearingSeconds,
			EncryptionEnabled:   conv.EncryptionEnabled,
		}
		if st.Muted, err = s.Store.HasRelation(ctx, RelationMute, viewerID, conv.ID); err != nil {
			return OptionsState{}, err
		}
		if st.Blocked, err = s.Store.HasRelation(ctx, RelationBlock, viewerID, other); err != nil {
			return OptionsState{}, err
		}
		if st.Restricted, err = s.Store.HasRelation(ctx, RelationRestrict, viewerID, other); err != nil {
			return OptionsState{}, err
		}
		if st.DeletedAt, err = s.Store.GetDeletion(ctx, viewerID, conv.ID); err != nil {
			return OptionsState{}, err
		}
		return st, nil
	})
}

// Options returns the viewer's settings for the conversation.
func (s *Service) Options(ctx context.Context, viewerID, conversationID string) (OptionsState, error) {
	if _, err := s.participantConversation(ctx, viewerID, conversationID); err != nil {
		return OptionsState{}, err
	}
	st, err := s.options(ctx, viewerID, conversationID)
	if err != nil {
		return OptionsState{}, fmt.Errorf("get options: %w", err)
	}
	return st, nil
}

// ToggleMute mutes or unmutes the conversation for the viewer.
func (s *Service) ToggleMute(ctx context.Context, viewerID, conversationID string) (Notice, error) {
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return Notice{}, err
	}
	active, err := s.toggleRelation(ctx, RelationMute, viewerID, conv.ID)
	if err != nil {
		return Notice{}, err
	}
	s.invalidate(ctx, querycache.OptionsKey(viewerID, conv.ID), querycache.InboxKey(viewerID))
	s.optionsChanged(ctx, conv.ID, viewerID)

	if active {
		return Notice{Message: "Conversation muted", Active: true}, nil
	}
	return Notice{Message: "Conversation unmuted"}, nil
}

// ToggleBlock blocks or unblocks the other participant. Blocking sends the
// viewer out of the conversation.
func (s *Service) ToggleBlock(ctx context.Context, viewerID, conversationID string) (Notice, error) {
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return Notice{}, err
	}
	active, err := s.toggleRelation(ctx, RelationBlock, viewerID, conv.Other(viewerID))
	if err != nil {
		return Notice{}, err
	}
	s.invalidate(ctx, querycache.OptionsKey(viewerID, conv.ID), querycache.InboxKey(viewerID))
	s.optionsChanged(ctx, conv.ID, viewerID)

	if active {
		return Notice{Message: "Account blocked", Active: true, NavigateAway: true}, nil
	}
	return Notice{Message: "Account unblocked"}, nil
}

// ToggleRestrict restricts or unrestricts the other participant.
func (s *Service) ToggleRestrict(ctx context.Context, viewerID, conversationID string) (Notice, error) {
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return Notice{}, err
	}
	active, err := s.toggleRelation(ctx, RelationRestrict, viewerID, conv.Other(viewerID))
	if err != nil {
		return Notice{}, err
	}
	s.invalidate(ctx, querycache.OptionsKey(viewerID, conv.ID))
	s.optionsChanged(ctx, conv.ID, viewerID)

	if active {
		return Notice{Message: "Account restricted", Active: true}, nil
	}
	return Notice{Message: "Account unrestricted"}, nil
}

// toggleRelation reads the current membership and writes its inverse. An
// insert that hits the uniqueness constraint means another client set the
// flag first, which is the state asked for.
func (s *Service) toggleRelation(ctx context.Context, rel Relation, userID, targetID string) (bool, error) {
	exists, err := s.Store.HasRelation(ctx, rel, userID, targetID)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	if exists {
		if err := s.Store.DeleteRelation(ctx, rel, userID, targetID); err != nil {
			return false, fmt.Errorf("delete %s: %w", rel, err)
		}
		s.Metrics.optionChanged(rel.String())
		return false, nil
	}
	if err := s.Store.InsertRelation(ctx, rel, userID, targetID); err != nil {
		if !errors.Is(err, ErrConflict) {
			return false, fmt.Errorf("insert %s: %w", rel, err)
		}
		s.Logger.Info("Relation already set", "relation", rel.String(), "user_id", userID, "target_id", targetID)
	}
	s.Metrics.optionChanged(rel.String())
	return true, nil
}

// SetDisappearing sets the conversation's disappearing-message interval.
// A nil or zero interval turns it off.
func (s *Service) SetDisappearing(ctx context.Context, viewerID, conversationID string, seconds *int) (Notice, error) {
	if seconds != nil && *seconds == 0 {
		seconds = nil
	}
	if seconds != nil {
		if _, ok := DisappearingIntervals[*seconds]; !ok {
			return Notice{}, invalid("seconds", "unsupported disappearing interval")
		}
	}
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return Notice{}, err
	}
	if err := s.Store.UpdateDisappearing(ctx, conv.ID, seconds); err != nil {
		return Notice{}, fmt.Errorf("update disappearing: %w", err)
	}
	s.Metrics.optionChanged("disappearing")
	s.conversationChanged(ctx, conv, viewerID)

	if seconds == nil {
		return Notice{Message: "Disappearing messages turned off"}, nil
	}
	return Notice{Message: "Disappearing messages set to " + DisappearingIntervals[*seconds], Active: true}, nil
}

// ToggleEncryption flips the conversation's end-to-end encryption flag.
func (s *Service) ToggleEncryption(ctx context.Context, viewerID, conversationID string) (Notice, error) {
	if _, err := s.participantConversation(ctx, viewerID, conversationID); err != nil {
		return Notice{}, err
	}
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return Notice{}, fmt.Errorf("get conversation: %w", err)
	}
	enabled := !conv.EncryptionEnabled
	if err := s.Store.UpdateEncryption(ctx, conv.ID, enabled); err != nil {
		return Notice{}, fmt.Errorf("update encryption: %w", err)
	}
	s.Metrics.optionChanged("encryption")
	s.conversationChanged(ctx, conv, viewerID)

	if enabled {
		return Notice{Message: "End-to-end encryption turned on", Active: true}, nil
	}
	return Notice{Message: "End-to-end encryption turned off"}, nil
}

func (s *Service) conversationChanged(ctx context.Context, conv Conversation, viewerID string) {
	s.invalidate(ctx,
		querycache.ConversationKey(conv.ID),
		querycache.OptionsKey(conv.Participant1ID, conv.ID),
		querycache.OptionsKey(conv.Participant2ID, conv.ID),
	)
	e := realtime.NewEvent(realtime.TableConversations, realtime.OpUpdate)
	e.ConversationID = conv.ID
	e.UserID = viewerID
	s.publish(ctx, e)
}

// optionsChanged announces a change to viewerID's own settings for the
// conversation, so other instances drop their cached copy.
func (s *Service) optionsChanged(ctx context.Context, conversationID, viewerID string) {
	e := realtime.NewEvent(realtime.TableConversations, realtime.OpUpdate)
	e.ConversationID = conversationID
	e.UserID = viewerID
	s.publish(ctx, e)
}

// DeleteForMe hides the conversation from the viewer by recording a deletion
// marker. The shared conversation and its messages are left untouched, so
// the other participant's view does not change.
func (s *Service) DeleteForMe(ctx context.Context, viewerID, conversationID string) (Notice, error) {
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return Notice{}, err
	}
	if err := s.Store.UpsertDeletion(ctx, viewerID, conv.ID, s.now()); err != nil {
		return Notice{}, fmt.Errorf("delete conversation: %w", err)
	}
	s.Metrics.optionChanged("delete")
	s.invalidate(ctx, querycache.OptionsKey(viewerID, conv.ID), querycache.InboxKey(viewerID))
	s.optionsChanged(ctx, conv.ID, viewerID)

	return Notice{Message: "Conversation deleted", Active: true, NavigateAway: true}, nil
}
