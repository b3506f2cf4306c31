package api

import (
	"context"
	"net/http"

	"github.com/edgeee/conversations/chat"
)

func (a *API) getOptions(w http.ResponseWriter, r *http.Request) {
	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	opts, err := a.Chat.Options(r.Context(), viewer, r.PathValue("id"))
	if err != nil {
		a.respondChatError(w, err, "Could not load conversation settings")
		return
	}
	a.respond(w, http.StatusOK, opts)
}

type toggleFunc func(ctx context.Context, viewerID, conversationID string) (chat.Notice, error)

// toggleOption serves one of the flip-style conversation options.
func (a *API) toggleOption(toggle toggleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer, ok := a.viewer(w, r)
		if !ok {
			return
		}
		notice, err := toggle(r.Context(), viewer, r.PathValue("id"))
		if err != nil {
			a.respondChatError(w, err, "Could not update conversation settings")
			return
		}
		a.respond(w, http.StatusOK, notice)
	}
}

func (a *API) setDisappearing(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Seconds *int `json:"seconds" validate:"omitempty,oneof=0 86400 604800 7776000"`
	}

	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	notice, err := a.Chat.SetDisappearing(r.Context(), viewer, r.PathValue("id"), body.Seconds)
	if err != nil {
		a.respondChatError(w, err, "Could not update disappearing messages")
		return
	}
	a.respond(w, http.StatusOK, notice)
}
