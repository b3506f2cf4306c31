package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/edgeee/conversations/chat"
)

const writeTimeout = 10 * time.Second

// liveConversation upgrades to a WebSocket and streams the conversation view
// after every change until the client goes away.
func (a *API) liveConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	loc, ok := a.location(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := a.Chat.Conversation(r.Context(), viewer, id); err != nil {
		a.respondChatError(w, err, "Could not load conversation")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.Logger.Error("Could not accept websocket", "error", err.Error())
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; reading only watches for the close.
	ctx := conn.CloseRead(r.Context())

	err = a.Chat.Watch(ctx, viewer, id, loc, func(u chat.Update) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, u)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		a.Logger.Warn("Live conversation ended", "conversation_id", id, "error", err.Error())
		conn.Close(websocket.StatusInternalError, "conversation unavailable")
	}
}
