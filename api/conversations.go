package api

import (
	"net/http"

	"github.com/edgeee/conversations/chat"
)

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Conversations []chat.InboxEntry `json:"conversations"`
	}

	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	entries, err := a.Chat.Inbox(r.Context(), viewer)
	if err != nil {
		a.respondChatError(w, err, "Could not list conversations")
		return
	}
	a.respond(w, http.StatusOK, response{Conversations: entries})
}

func (a *API) startConversation(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			UserID string `json:"user_id" validate:"required"`
		}
		response struct {
			Conversation chat.Conversation `json:"conversation"`
		}
	)

	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}

	conv, created, err := a.Chat.StartConversation(r.Context(), viewer, body.UserID)
	if err != nil {
		a.respondChatError(w, err, "Could not start conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.respond(w, status, response{Conversation: conv})
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	loc, ok := a.location(w, r)
	if !ok {
		return
	}

	view, err := a.Chat.View(r.Context(), viewer, r.PathValue("id"), loc)
	if err != nil {
		a.respondChatError(w, err, "Could not load conversation")
		return
	}
	a.respond(w, http.StatusOK, view)
}

func (a *API) deleteConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	notice, err := a.Chat.DeleteForMe(r.Context(), viewer, r.PathValue("id"))
	if err != nil {
		a.respondChatError(w, err, "Could not delete conversation")
		return
	}
	a.respond(w, http.StatusOK, notice)
}
