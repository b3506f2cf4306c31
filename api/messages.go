package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/edgeee/conversations/chat"
)

// multipartOverhead is the room left for form fields around the image.
const multipartOverhead = 64 * 1024

var errThrottled = errors.New("send rate exceeded")

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Message chat.Message `json:"message"`
	}

	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	if !a.Limiter.Allow(viewer) {
		a.respondError(w, http.StatusTooManyRequests, errThrottled, "You are sending messages too quickly")
		return
	}
	draft, ok := a.readDraft(w, r)
	if !ok {
		return
	}

	msg, err := a.Chat.Composer(viewer, r.PathValue("id")).Send(r.Context(), draft)
	if err != nil {
		a.respondChatError(w, err, "Could not send message")
		return
	}
	a.respond(w, http.StatusCreated, response{Message: msg})
}

// readDraft reads a JSON body, or a multipart form with a text field and an
// optional image file.
func (a *API) readDraft(w http.ResponseWriter, r *http.Request) (chat.Draft, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Text string `json:"text"`
		}
		if !a.decodeBody(w, r, &body) {
			return chat.Draft{}, false
		}
		return chat.Draft{Text: body.Text}, true
	}

	limit := int64(a.Chat.ImageLimit())
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondChatError(w, &chat.ValidationError{
				Field:   "image",
				Message: fmt.Sprintf("image is larger than %d KiB", limit/1024),
			}, "")
			return chat.Draft{}, false
		}
		a.respondError(w, http.StatusBadRequest, err, "Could not parse form")
		return chat.Draft{}, false
	}
	defer r.MultipartForm.RemoveAll()

	draft := chat.Draft{Text: r.FormValue("text")}
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return draft, true
	}
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not read image")
		return chat.Draft{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not read image")
		return chat.Draft{}, false
	}
	draft.Image = &chat.Image{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return draft, true
}

func (a *API) setReply(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			MessageID string `json:"message_id" validate:"required"`
		}
		response struct {
			ReplyToID string `json:"reply_to_id"`
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
	id := r.PathValue("id")
	if _, err := a.Chat.Conversation(r.Context(), viewer, id); err != nil {
		a.respondChatError(w, err, "Could not set reply")
		return
	}

	c := a.Chat.Composer(viewer, id)
	if err := c.SetReplyTo(r.Context(), body.MessageID); err != nil {
		a.respondChatError(w, err, "Could not set reply")
		return
	}
	a.respond(w, http.StatusOK, response{ReplyToID: c.ReplyTo()})
}

func (a *API) clearReply(w http.ResponseWriter, r *http.Request) {
	viewer, ok := a.viewer(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := a.Chat.Conversation(r.Context(), viewer, id); err != nil {
		a.respondChatError(w, err, "Could not clear reply")
		return
	}
	a.Chat.Composer(viewer, id).ClearReply()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			Emoji string `json:"emoji" validate:"required,max=32"`
		}
		response struct {
			MessageID string                 `json:"message_id"`
			Reacted   bool                   `json:"reacted"`
			Reactions []chat.ReactionSummary `json:"reactions"`
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
	messageID := r.PathValue("messageID")

	reacted, err := a.Chat.ToggleReaction(r.Context(), viewer, messageID, body.Emoji)
	if err != nil {
		a.respondChatError(w, err, "Could not update reaction")
		return
	}
	summary, err := a.Chat.MessageReactions(r.Context(), viewer, messageID)
	if err != nil {
		a.respondChatError(w, err, "Could not load reactions")
		return
	}
	a.respond(w, http.StatusOK, response{
		MessageID: messageID,
		Reacted:   reacted,
		Reactions: summary,
	})
}
