// Package realtime carries row-level change events from the data store to
// the conversation views watching them.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Table is a watched table.
type Table string

const (
	TableMessages      Table = "messages"
	TableReactions     Table = "message_reactions"
	TableConversations Table = "conversations"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// An Event notifies that a row of Table changed. Events carry identifiers
// only; listeners refetch the affected data instead of applying a payload.
type Event struct {
	ID             string    `json:"id"`
	Table          Table     `json:"table"`
	Op             Op        `json:"op"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	At             time.Time `json:"at"`
}

// NewEvent returns an event with a fresh id and timestamp.
func NewEvent(table Table, op Op) Event {
	return Event{
		ID:    uuid.NewString(),
		Table: table,
		Op:    op,
		At:    time.Now().UTC(),
	}
}

// A Filter selects the events of one table, optionally narrowed to one
// conversation. An empty ConversationID matches every conversation.
type Filter struct {
	Table          Table
	ConversationID string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if e.Table != f.Table {
		return false
	}
	return f.ConversationID == "" || f.ConversationID == e.ConversationID
}

// A Feed publishes events and delivers them to filtered subscriptions.
type Feed interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

// A Subscription receives events on C until Close is called. C is closed
// once the subscription has been torn down.
type Subscription struct {
	C <-chan Event

	once sync.Once
	stop func()
}

// NewSubscription wraps a delivery channel and the func that tears it down.
func NewSubscription(c <-chan Event, stop func()) *Subscription {
	return &Subscription{C: c, stop: stop}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}
