package chat

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/edgeee/conversations/querycache"
	"github.com/edgeee/conversations/realtime"
)

// An Image is a file attached to a draft.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// A Draft is the outbound content of a composer.
type Draft struct {
	Text  string
	Image *Image
}

// composerIdleTTL is how long an unused composer stays registered.
const composerIdleTTL = 30 * time.Minute

type composerKey struct {
	senderID       string
	conversationID string
}

// A Composer sends the messages of one sender in one conversation. It holds
// the reply target and allows a single send in flight at a time.
type Composer struct {
	svc            *Service
	senderID       string
	conversationID string
	// lastUsed is guarded by the service's mutex.
	lastUsed time.Time

	mu      sync.Mutex
	replyTo string
	sending bool
}

// Composer returns the composer of senderID in conversationID, creating it
// on first use. Composers unused for composerIdleTTL are dropped together
// with their reply target, unless a send is in flight.
func (s *Service) Composer(senderID, conversationID string) *Composer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.composers == nil {
		s.composers = make(map[composerKey]*Composer)
	}
	if now.Sub(s.lastSweep) >= composerIdleTTL {
		s.sweepComposersLocked(now)
	}
	k := composerKey{senderID: senderID, conversationID: conversationID}
	c, ok := s.composers[k]
	if !ok {
		c = &Composer{svc: s, senderID: senderID, conversationID: conversationID}
		s.composers[k] = c
	}
	c.lastUsed = now
	return c
}

func (s *Service) sweepComposersLocked(now time.Time) {
	s.lastSweep = now
	for k, c := range s.composers {
		if now.Sub(c.lastUsed) < composerIdleTTL {
			continue
		}
		c.mu.Lock()
		busy := c.sending
		c.mu.Unlock()
		if !busy {
			delete(s.composers, k)
		}
	}
}

// ReplyTo returns the current reply target, or "" outside reply mode.
func (c *Composer) ReplyTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// SetReplyTo puts the composer in reply mode. The message must belong to the
// composer's conversation.
func (c *Composer) SetReplyTo(ctx context.Context, messageID string) error {
	if _, err := c.svc.participantConversation(ctx, c.senderID, c.conversationID); err != nil {
		return err
	}
	msg, err := c.svc.Store.GetMessage(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return invalid("reply_to_id", "message does not exist")
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if msg.ConversationID != c.conversationID {
		return invalid("reply_to_id", "message belongs to another conversation")
	}

	c.mu.Lock()
	c.replyTo = msg.ID
	c.mu.Unlock()
	return nil
}

// ClearReply leaves reply mode.
func (c *Composer) ClearReply() {
	c.mu.Lock()
	c.replyTo = ""
	c.mu.Unlock()
}

// clearReplyIf leaves reply mode unless the target changed meanwhile.
func (c *Composer) clearReplyIf(id string) {
	c.mu.Lock()
	if c.replyTo == id {
		c.replyTo = ""
	}
	c.mu.Unlock()
}

// Send validates the draft, uploads its image, inserts the message and bumps
// the conversation's last activity. Validation happens before any remote
// call. A second Send while one is in flight fails with ErrSendInFlight.
// The reply target is cleared when the insert is issued, even if it fails.
func (c *Composer) Send(ctx context.Context, d Draft) (Message, error) {
	s := c.svc

	text := strings.TrimSpace(d.Text)
	if text == "" && d.Image == nil {
		return Message{}, invalid("text", "message is empty")
	}
	var ext string
	if d.Image != nil {
		var err error
		if ext, err = s.checkImage(*d.Image); err != nil {
			return Message{}, err
		}
	}

	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return Message{}, ErrSendInFlight
	}
	c.sending = true
	replyTo := c.replyTo
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	conv, err := s.participantConversation(ctx, c.senderID, c.conversationID)
	if err != nil {
		return Message{}, err
	}
	recipient := conv.Other(c.senderID)
	blocked, err := s.isBlockedEitherWay(ctx, c.senderID, recipient)
	if err != nil {
		return Message{}, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return Message{}, ErrBlocked
	}

	now := s.now()
	msg := Message{
		ConversationID: conv.ID,
		SenderID:       c.senderID,
		Content:        text,
		CreatedAt:      now,
	}
	if replyTo != "" {
		msg.ReplyToID = &replyTo
	}
	if d.Image != nil {
		p := fmt.Sprintf("%s/%d.%s", c.senderID, now.UnixMilli(), ext)
		url, err := s.Bucket.Put(ctx, p, d.Image.ContentType, d.Image.Data)
		if err != nil {
			return Message{}, fmt.Errorf("upload image: %w", err)
		}
		msg.ImageURL = &url
	}

	c.clearReplyIf(replyTo)
	msg, err = s.Store.InsertMessage(ctx, msg)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.Metrics.messageSent()

	if err := s.Store.TouchConversation(ctx, conv.ID, msg.CreatedAt); err != nil {
		s.Logger.Error("Could not update conversation activity", "conversation_id", conv.ID, "error", err.Error())
	}

	s.invalidate(ctx,
		querycache.MessagesKey(conv.ID),
		querycache.ConversationKey(conv.ID),
		querycache.InboxKey(c.senderID),
		querycache.InboxKey(recipient),
	)
	e := realtime.NewEvent(realtime.TableMessages, realtime.OpInsert)
	e.ConversationID = conv.ID
	e.MessageID = msg.ID
	e.UserID = c.senderID
	s.publish(ctx, e)

	e = realtime.NewEvent(realtime.TableConversations, realtime.OpUpdate)
	e.ConversationID = conv.ID
	e.UserID = c.senderID
	s.publish(ctx, e)

	return msg, nil
}

// checkImage enforces the size and content type limits and returns the file
// extension used for the upload path.
func (s *Service) checkImage(img Image) (string, error) {
	if len(img.Data) == 0 {
		return "", invalid("image", "image is empty")
	}
	if limit := s.ImageLimit(); len(img.Data) > limit {
		return "", invalid("image", fmt.Sprintf("image is larger than %d KiB", limit/1024))
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(img.ContentType)), "image/") {
		return "", invalid("image", "file is not an image")
	}
	detected := mimetype.Detect(img.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", invalid("image", "file content is not an image")
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(img.Filename), "."))
	if ext == "" {
		ext = strings.TrimPrefix(detected.Extension(), ".")
	}
	if ext == "" {
		ext = "bin"
	}
	return ext, nil
}
