package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// View returns the conversation as seen by viewerID. The other participant's
// visible messages are marked delivered and read before the view is built.
// Dates are grouped in loc, which defaults to UTC.
func (s *Service) View(ctx context.Context, viewerID, conversationID string, loc *time.Location) (View, error) {
	if loc == nil {
		loc = time.UTC
	}
	conv, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return View{}, err
	}
	other, err := s.profile(ctx, conv.Other(viewerID))
	if err != nil {
		return View{}, fmt.Errorf("get profile: %w", err)
	}
	opts, err := s.options(ctx, viewerID, conv.ID)
	if err != nil {
		return View{}, fmt.Errorf("get options: %w", err)
	}

	msgs, err := s.messages(ctx, conv.ID)
	if err != nil {
		return View{}, fmt.Errorf("list messages: %w", err)
	}
	visible := visibleMessages(msgs, conv, opts.DeletedAt, s.now())

	marked, err := s.markSeen(ctx, viewerID, conv.ID, visible)
	if err != nil {
		return View{}, fmt.Errorf("mark seen: %w", err)
	}
	if marked {
		msgs, err = s.messages(ctx, conv.ID)
		if err != nil {
			return View{}, fmt.Errorf("list messages: %w", err)
		}
		visible = visibleMessages(msgs, conv, opts.DeletedAt, s.now())
	}

	reactions, err := s.reactions(ctx, conv.ID)
	if err != nil {
		return View{}, fmt.Errorf("list reactions: %w", err)
	}

	return View{
		Conversation: conv,
		Other:        other,
		Days:         groupByDay(buildMessageViews(visible, reactions, viewerID), loc),
	}, nil
}

// markSeen moves the other participant's messages forward in the
// sent → delivered → read sequence. Unread messages are marked delivered and
// read in one batch; otherwise undelivered ones are marked delivered. Flags
// are only ever set, never cleared.
func (s *Service) markSeen(ctx context.Context, viewerID, conversationID string, msgs []Message) (bool, error) {
	var unread, undelivered []string
	for _, m := range msgs {
		if m.SenderID == viewerID {
			continue
		}
		if !m.Read {
			unread = append(unread, m.ID)
		}
		if !m.Delivered {
			undelivered = append(undelivered, m.ID)
		}
	}

	switch {
	case len(unread) > 0:
		if err := s.Store.MarkRead(ctx, unread); err != nil {
			return false, err
		}
		s.Metrics.seen("read")
	case len(undelivered) > 0:
		if err := s.Store.MarkDelivered(ctx, undelivered); err != nil {
			return false, err
		}
		s.Metrics.seen("delivered")
	default:
		return false, nil
	}

	s.invalidate(ctx, querycache.MessagesKey(conversationID), querycache.InboxKey(viewerID))
	e := realtime.NewEvent(realtime.TableMessages, realtime.OpUpdate)
	e.ConversationID = conversationID
	e.UserID = viewerID
	s.publish(ctx, e)
	return true, nil
}

// visibleMessages drops messages hidden from this viewer: those at or before
// the viewer's deletion marker and those past the disappearing interval.
func visibleMessages(msgs []Message, conv Conversation, deletedAt *time.Time, now time.Time) []Message {
	var cutoff time.Time
	if deletedAt != nil {
		cutoff = *deletedAt
	}
	if conv.DisappearingSeconds != nil && *conv.DisappearingSeconds > 0 {
		expiry := now.Add(-time.Duration(*conv.DisappearingSeconds) * time.Second)
		if expiry.After(cutoff) {
			cutoff = expiry
		}
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !cutoff.IsZero() && !m.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func buildMessageViews(msgs []Message, reactions []Reaction, viewerID string) []MessageView {
	byMessage := make(map[string][]Reaction)
	for _, r := range reactions {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = MessageView{
			Message:   m,
			Reactions: AggregateReactions(byMessage[m.ID], viewerID),
			ReplyTo:   replyPreview(m, byID),
		}
	}
	return out
}

// replyPreview resolves a reply against the loaded messages only. A target
// outside the loaded window yields no preview.
func replyPreview(m Message, loaded map[string]Message) *ReplyPreview {
	if m.ReplyToID == nil {
		return nil
	}
	target, ok := loaded[*m.ReplyToID]
	if !ok {
		return nil
	}
	return &ReplyPreview{
		ID:       target.ID,
		SenderID: target.SenderID,
		Content:  target.Content,
		HasImage: target.ImageURL != nil,
	}
}

// AggregateReactions groups reaction rows by emoji in first-seen order.
// Reacted is set when viewerID is among the reacting users.
func AggregateReactions(rows []Reaction, viewerID string) []ReactionSummary {
	out := make([]ReactionSummary, 0)
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji})
		}
		out[i].Count++
		if r.UserID == viewerID {
			out[i].Reacted = true
		}
	}
	return out
}

// groupByDay partitions messages into contiguous runs sharing a calendar
// date in loc.
func groupByDay(msgs []MessageView, loc *time.Location) []DayGroup {
	days := make([]DayGroup, 0)
	for _, m := range msgs {
		date := m.CreatedAt.In(loc).Format(time.DateOnly)
		if n := len(days); n > 0 && days[n-1].Date == date {
			days[n-1].Messages = append(days[n-1].Messages, m)
			continue
		}
		days = append(days, DayGroup{Date: date, Messages: []MessageView{m}})
	}
	return days
}
