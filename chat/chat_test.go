package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeee/conversations/chat"
	"github.com/edgeee/conversations/chat/chattest"
	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *chat.Service
	store  *chattest.Store
	bucket *chattest.Bucket
	hub    *realtime.Hub
	conv   chat.Conversation
	now    time.Time
}

// newFixture seeds users a and b with a conversation between them.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  &chattest.Store{},
		bucket: &chattest.Bucket{},
		hub:    realtime.NewHub(slogt.New(t)),
		now:    t0,
	}
	f.svc = &chat.Service{
		Logger: slogt.New(t),
		Store:  f.store,
		Bucket: f.bucket,
		Feed:   f.hub,
		Cache:  querycache.New(),
		Now:    func() time.Time { return f.now },
	}
	f.store.AddProfile(chat.Profile{ID: "a", Username: "alice"})
	f.store.AddProfile(chat.Profile{ID: "b", Username: "bob"})
	f.store.AddProfile(chat.Profile{ID: "c", Username: "carol"})
	f.conv = f.store.AddConversation(chat.Conversation{
		Participant1ID: "a",
		Participant2ID: "b",
		CreatedAt:      t0.Add(-time.Hour),
	})
	return f
}

func (f *fixture) view(t *testing.T, viewerID string) chat.View {
	t.Helper()
	v, err := f.svc.View(context.Background(), viewerID, f.conv.ID, time.UTC)
	require.NoError(t, err)
	return v
}

func flatten(v chat.View) []chat.MessageView {
	var out []chat.MessageView
	for _, d := range v.Days {
		out = append(out, d.Messages...)
	}
	return out
}

func gif(size int) []byte {
	data := make([]byte, size)
	copy(data, "GIF89a")
	return data
}

func TestSend_ThenRecipientOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Composer("a", f.conv.ID).Send(ctx, chat.Draft{Text: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.Delivered)
	assert.False(t, msg.Read)

	conv, _ := f.store.Conversation(f.conv.ID)
	assert.True(t, conv.LastActivityAt.Equal(msg.CreatedAt))

	// The sender's own view leaves the message untouched.
	mine := flatten(f.view(t, "a"))
	require.Len(t, mine, 1)
	assert.False(t, mine[0].Read)

	theirs := flatten(f.view(t, "b"))
	require.Len(t, theirs, 1)
	assert.True(t, theirs[0].Delivered)
	assert.True(t, theirs[0].Read)

	stored, _ := f.store.Message(msg.ID)
	assert.True(t, stored.Read)
}

func TestView_MarksReadOnce(t *testing.T) {
	f := newFixture(t)
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "one", CreatedAt: t0.Add(-2 * time.Minute)})
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "two", CreatedAt: t0.Add(-time.Minute)})

	f.view(t, "b")
	f.view(t, "b")

	assert.Equal(t, 1, f.store.Calls("MarkRead"))
	assert.Equal(t, 0, f.store.Calls("MarkDelivered"))
}

func TestView_MarksDeliveredWhenAlreadyRead(t *testing.T) {
	f := newFixture(t)
	m := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "x", Read: true, CreatedAt: t0.Add(-time.Minute)})

	v := flatten(f.view(t, "b"))
	require.Len(t, v, 1)
	assert.True(t, v[0].Delivered)
	assert.True(t, v[0].Read)
	assert.Equal(t, 1, f.store.Calls("MarkDelivered"))

	stored, _ := f.store.Message(m.ID)
	assert.True(t, stored.Delivered)
}

func TestView_NotParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.View(context.Background(), "c", f.conv.ID, nil)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	_, err = f.svc.View(context.Background(), "a", "missing", nil)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestView_GroupsByDayInLocation(t *testing.T) {
	f := newFixture(t)
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "late", CreatedAt: time.Date(2023, 12, 31, 23, 30, 0, 0, time.UTC)})
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "early", CreatedAt: time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)})

	v := f.view(t, "a")
	require.Len(t, v.Days, 2)
	assert.Equal(t, "2023-12-31", v.Days[0].Date)
	assert.Equal(t, "2024-01-01", v.Days[1].Date)

	plus2, err := f.svc.View(context.Background(), "a", f.conv.ID, time.FixedZone("UTC+2", 2*60*60))
	require.NoError(t, err)
	require.Len(t, plus2.Days, 1)
	assert.Equal(t, "2024-01-01", plus2.Days[0].Date)
	assert.Len(t, plus2.Days[0].Messages, 2)
}

func TestView_EmptyConversation(t *testing.T) {
	f := newFixture(t)
	v := f.view(t, "a")
	assert.NotNil(t, v.Days)
	assert.Empty(t, v.Days)
	assert.Equal(t, "bob", v.Other.Username)
}

func TestView_ReplyPreview(t *testing.T) {
	f := newFixture(t)
	first := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "question", CreatedAt: t0.Add(-3 * time.Minute)})
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "answer", ReplyToID: &first.ID, CreatedAt: t0.Add(-2 * time.Minute)})
	gone := "gone"
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "orphan", ReplyToID: &gone, CreatedAt: t0.Add(-time.Minute)})

	msgs := flatten(f.view(t, "a"))
	require.Len(t, msgs, 3)
	assert.Nil(t, msgs[0].ReplyTo)
	require.NotNil(t, msgs[1].ReplyTo)
	assert.Equal(t, first.ID, msgs[1].ReplyTo.ID)
	assert.Equal(t, "question", msgs[1].ReplyTo.Content)
	assert.Nil(t, msgs[2].ReplyTo)
}

func TestView_DisappearingHidesOldMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "old", CreatedAt: t0.Add(-48 * time.Hour)})
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "new", CreatedAt: t0.Add(-time.Hour)})
	require.Len(t, flatten(f.view(t, "b")), 2)

	day := 86400
	n, err := f.svc.SetDisappearing(ctx, "a", f.conv.ID, &day)
	require.NoError(t, err)
	assert.True(t, n.Active)
	assert.Equal(t, "Disappearing messages set to 24 hours", n.Message)

	msgs := flatten(f.view(t, "b"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Content)

	opts, err := f.svc.Options(ctx, "b", f.conv.ID)
	require.NoError(t, err)
	require.NotNil(t, opts.DisappearingSeconds)
	assert.Equal(t, day, *opts.DisappearingSeconds)

	n, err = f.svc.SetDisappearing(ctx, "b", f.conv.ID, nil)
	require.NoError(t, err)
	assert.False(t, n.Active)
	assert.Len(t, flatten(f.view(t, "b")), 2)
}

func TestSetDisappearing_RejectsUnknownInterval(t *testing.T) {
	f := newFixture(t)
	bad := 100
	_, err := f.svc.SetDisappearing(context.Background(), "a", f.conv.ID, &bad)

	var verr *chat.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "seconds", verr.Field)
	assert.Equal(t, 0, f.store.Calls("UpdateDisappearing"))
}

func TestToggleReaction_TwiceLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "hi", CreatedAt: t0.Add(-time.Minute)})

	on, err := f.svc.ToggleReaction(ctx, "b", m.ID, "❤️")
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, f.store.Reactions())

	summary, err := f.svc.MessageReactions(ctx, "a", m.ID)
	require.NoError(t, err)
	assert.Equal(t, []chat.ReactionSummary{{Emoji: "❤️", Count: 1, Reacted: false}}, summary)

	on, err = f.svc.ToggleReaction(ctx, "b", m.ID, "❤️")
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 0, f.store.Reactions())

	msgs := flatten(f.view(t, "b"))
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Reactions)
}

func TestToggleReaction_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "a", Content: "hi"})

	_, err := f.svc.ToggleReaction(ctx, "b", m.ID, " ")
	var verr *chat.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.ToggleReaction(ctx, "c", m.ID, "👍")
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	_, err = f.svc.ToggleReaction(ctx, "b", "nope", "👍")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestAggregateReactions(t *testing.T) {
	rows := []chat.Reaction{
		{UserID: "a", Emoji: "👍"},
		{UserID: "b", Emoji: "❤️"},
		{UserID: "b", Emoji: "👍"},
	}
	assert.Equal(t, []chat.ReactionSummary{
		{Emoji: "👍", Count: 2, Reacted: true},
		{Emoji: "❤️", Count: 1, Reacted: false},
	}, chat.AggregateReactions(rows, "a"))

	empty := chat.AggregateReactions(nil, "a")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name  string
		draft chat.Draft
		field string
	}{
		{
			name:  "Empty",
			draft: chat.Draft{Text: "   "},
			field: "text",
		},
		{
			name:  "ImageTooLarge",
			draft: chat.Draft{Image: &chat.Image{Filename: "big.gif", ContentType: "image/gif", Data: gif(600 * 1024)}},
			field: "image",
		},
		{
			name:  "NotAnImageType",
			draft: chat.Draft{Text: "see attached", Image: &chat.Image{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hello")}},
			field: "image",
		},
		{
			name:  "ContentNotAnImage",
			draft: chat.Draft{Image: &chat.Image{Filename: "fake.png", ContentType: "image/png", Data: []byte("plain text pretending")}},
			field: "image",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), tt.draft)

			var verr *chat.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, f.store.Ops(), "no remote call expected")
			assert.Empty(t, f.bucket.Paths())
		})
	}
}

func TestSend_Image(t *testing.T) {
	f := newFixture(t)
	msg, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), chat.Draft{
		Image: &chat.Image{Filename: "Cat.GIF", ContentType: "image/gif", Data: gif(1024)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a/1704110400000.gif"}, f.bucket.Paths())
	require.NotNil(t, msg.ImageURL)
	assert.Equal(t, "https://bucket.test/a/1704110400000.gif", *msg.ImageURL)
	assert.Empty(t, msg.Content)
}

func TestSend_UploadFailureInsertsNothing(t *testing.T) {
	f := newFixture(t)
	f.bucket.Err = errors.New("bucket down")

	_, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), chat.Draft{
		Text:  "pic",
		Image: &chat.Image{Filename: "x.gif", ContentType: "image/gif", Data: gif(64)},
	})
	require.Error(t, err)
	assert.Equal(t, 0, f.store.Calls("InsertMessage"))
}

func TestSend_TouchFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.store.Fail = func(method string) error {
		if method == "TouchConversation" {
			return errors.New("timeout")
		}
		return nil
	}

	msg, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), chat.Draft{Text: "still here"})
	require.NoError(t, err)
	_, ok := f.store.Message(msg.ID)
	assert.True(t, ok)
}

func TestSend_SingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.store.Fail = func(method string) error {
		if method == "InsertMessage" {
			once.Do(func() { close(started) })
			<-release
		}
		return nil
	}

	c := f.svc.Composer("a", f.conv.ID)
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, chat.Draft{Text: "first"})
		done <- err
	}()

	<-started
	_, err := c.Send(ctx, chat.Draft{Text: "second"})
	assert.ErrorIs(t, err, chat.ErrSendInFlight)

	close(release)
	require.NoError(t, <-done)

	_, err = c.Send(ctx, chat.Draft{Text: "third"})
	assert.NoError(t, err)
}

func TestComposer_Reply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "lunch?", CreatedAt: t0.Add(-time.Minute)})

	c := f.svc.Composer("a", f.conv.ID)
	assert.Same(t, c, f.svc.Composer("a", f.conv.ID))
	require.NoError(t, c.SetReplyTo(ctx, target.ID))
	assert.Equal(t, target.ID, c.ReplyTo())

	msg, err := c.Send(ctx, chat.Draft{Text: "sure"})
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyToID)
	assert.Equal(t, target.ID, *msg.ReplyToID)
	assert.Empty(t, c.ReplyTo())

	msgs := flatten(f.view(t, "a"))
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].ReplyTo)
	assert.Equal(t, "lunch?", msgs[1].ReplyTo.Content)
}

func TestComposer_ReplyClearedWhenInsertFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "lunch?", CreatedAt: t0.Add(-time.Minute)})
	f.store.Fail = func(method string) error {
		if method == "InsertMessage" {
			return errors.New("network down")
		}
		return nil
	}

	c := f.svc.Composer("a", f.conv.ID)
	require.NoError(t, c.SetReplyTo(ctx, target.ID))

	_, err := c.Send(ctx, chat.Draft{Text: "sure"})
	require.Error(t, err)
	assert.Empty(t, c.ReplyTo())
}

func TestComposer_ReplyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.store.AddConversation(chat.Conversation{Participant1ID: "b", Participant2ID: "c"})
	foreign := f.store.AddMessage(chat.Message{ConversationID: other.ID, SenderID: "c", Content: "x"})

	c := f.svc.Composer("a", f.conv.ID)
	var verr *chat.ValidationError
	assert.ErrorAs(t, c.SetReplyTo(ctx, foreign.ID), &verr)
	assert.ErrorAs(t, c.SetReplyTo(ctx, "missing"), &verr)
	assert.Empty(t, c.ReplyTo())

	c.ClearReply()
	assert.Empty(t, c.ReplyTo())
}

func TestToggleBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.ToggleBlock(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, n.Active)
	assert.True(t, n.NavigateAway)

	_, err = f.svc.Composer("a", f.conv.ID).Send(ctx, chat.Draft{Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrBlocked)
	_, err = f.svc.Composer("b", f.conv.ID).Send(ctx, chat.Draft{Text: "hi"})
	assert.ErrorIs(t, err, chat.ErrBlocked)

	opts, err := f.svc.Options(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, opts.Blocked)

	n, err = f.svc.ToggleBlock(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, n.Active)
	assert.False(t, n.NavigateAway)

	_, err = f.svc.Composer("b", f.conv.ID).Send(ctx, chat.Draft{Text: "hi"})
	assert.NoError(t, err)
}

func TestToggleMuteAndRestrict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.ToggleMute(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Notice{Message: "Conversation muted", Active: true}, n)

	n, err = f.svc.ToggleRestrict(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, n.Active)

	opts, err := f.svc.Options(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, opts.Muted)
	assert.True(t, opts.Restricted)

	// Settings are per viewer.
	theirs, err := f.svc.Options(ctx, "b", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, theirs.Muted)
	assert.False(t, theirs.Restricted)

	n, err = f.svc.ToggleMute(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, n.Active)

	opts, err = f.svc.Options(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, opts.Muted)
}

func TestToggleEncryption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.ToggleEncryption(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, n.Active)

	opts, err := f.svc.Options(ctx, "b", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, opts.EncryptionEnabled)

	n, err = f.svc.ToggleEncryption(ctx, "b", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, n.Active)
}

func TestDeleteForMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "before", CreatedAt: t0.Add(-time.Minute)})

	n, err := f.svc.DeleteForMe(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.True(t, n.NavigateAway)

	assert.Empty(t, f.view(t, "a").Days)
	assert.Len(t, flatten(f.view(t, "b")), 1, "the other participant keeps the history")

	inbox, err := f.svc.Inbox(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	f.now = t0.Add(time.Minute)
	_, err = f.svc.Composer("b", f.conv.ID).Send(ctx, chat.Draft{Text: "after"})
	require.NoError(t, err)

	msgs := flatten(f.view(t, "a"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", msgs[0].Content)
}

func TestInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddMessage(chat.Message{ConversationID: f.conv.ID, SenderID: "b", Content: "ping", CreatedAt: t0.Add(-time.Minute)})

	inbox, err := f.svc.Inbox(ctx, "a")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "bob", inbox[0].Other.Username)
	assert.Equal(t, 1, inbox[0].Unread)

	f.view(t, "a")
	inbox, err = f.svc.Inbox(ctx, "a")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 0, inbox[0].Unread)
}

func TestStartConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, created, err := f.svc.StartConversation(ctx, "b", "a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, f.conv.ID, conv.ID)

	conv, created, err = f.svc.StartConversation(ctx, "a", "c")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, conv.HasParticipant("c"))

	_, _, err = f.svc.StartConversation(ctx, "a", "a")
	var verr *chat.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, _, err = f.svc.StartConversation(ctx, "a", "nobody")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestStartConversation_Policy(t *testing.T) {
	tests := []struct {
		name    string
		policy  chat.MessagePolicy
		follows bool
		wantErr error
	}{
		{name: "Everyone", policy: chat.PolicyEveryone},
		{name: "FollowingWithoutFollow", policy: chat.PolicyFollowing, wantErr: chat.ErrMessagingNotAllowed},
		{name: "FollowingWithFollow", policy: chat.PolicyFollowing, follows: true},
		{name: "NoOne", policy: chat.PolicyNoOne, follows: true, wantErr: chat.ErrMessagingNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.SetChatSettings(chat.ChatSettings{UserID: "c", AllowMessagesFrom: tt.policy})
			if tt.follows {
				f.store.Follow("c", "a")
			}

			_, created, err := f.svc.StartConversation(context.Background(), "a", "c")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, f.store.Calls("InsertConversation"))
				return
			}
			require.NoError(t, err)
			assert.True(t, created)
		})
	}
}

func TestStartConversation_Blocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertRelation(ctx, chat.RelationBlock, "c", "a"))

	_, _, err := f.svc.StartConversation(ctx, "a", "c")
	assert.ErrorIs(t, err, chat.ErrBlocked)
}

func TestWatch_EmitsOnNewMessage(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan chat.Update, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Watch(ctx, "b", f.conv.ID, time.UTC, func(u chat.Update) error {
			select {
			case updates <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	first := <-updates
	require.NotNil(t, first.View)
	assert.Empty(t, first.View.Days)

	require.Eventually(t, func() bool { return f.hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	_, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), chat.Draft{Text: "live"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case u := <-updates:
			if u.View == nil {
				continue
			}
			for _, m := range flatten(*u.View) {
				if strings.Contains(m.Content, "live") {
					found = true
				}
			}
		case <-deadline:
			t.Fatal("no update with the new message")
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatch_SeesMessageSentWhileOpening(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	sent := make(chan error, 1)
	f.store.Fail = func(method string) error {
		if method == "ListReactions" {
			once.Do(func() {
				_, err := f.svc.Composer("a", f.conv.ID).Send(context.Background(), chat.Draft{Text: "early"})
				sent <- err
			})
		}
		return nil
	}

	updates := make(chan chat.Update, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.svc.Watch(ctx, "b", f.conv.ID, time.UTC, func(u chat.Update) error {
			select {
			case updates <- u:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	require.NoError(t, <-sent)

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case u := <-updates:
			if u.View == nil {
				continue
			}
			for _, m := range flatten(*u.View) {
				if m.Content == "early" {
					found = true
				}
			}
		case <-deadline:
			t.Fatal("the message sent while the view was opening never arrived")
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSyncCache_SeesWritesFromAnotherInstance(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := &chat.Service{
		Logger: slogt.New(t),
		Store:  f.store,
		Bucket: f.bucket,
		Feed:   f.hub,
		Cache:  querycache.New(),
		Now:    func() time.Time { return f.now },
	}
	stopped, err := other.SyncCache(ctx)
	require.NoError(t, err)

	v, err := other.View(ctx, "b", f.conv.ID, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, v.Days)
	opts, err := other.Options(ctx, "a", f.conv.ID)
	require.NoError(t, err)
	assert.False(t, opts.Muted)

	msg, err := f.svc.Composer("a", f.conv.ID).Send(ctx, chat.Draft{Text: "hello"})
	require.NoError(t, err)
	_, err = f.svc.ToggleMute(ctx, "a", f.conv.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := other.View(ctx, "b", f.conv.ID, time.UTC)
		return err == nil && len(flatten(v)) == 1
	}, time.Second, 5*time.Millisecond)
	stored, ok := f.store.Message(msg.ID)
	require.True(t, ok)
	assert.True(t, stored.Delivered)
	assert.True(t, stored.Read)

	require.Eventually(t, func() bool {
		opts, err := other.Options(ctx, "a", f.conv.ID)
		return err == nil && opts.Muted
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-stopped)
	require.Eventually(t, func() bool { return f.hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}
