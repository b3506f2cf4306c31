// Package api serves the messaging subsystem over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/edgeee/conversations/api/validator"
	"github.com/edgeee/conversations/chat"
	"github.com/edgeee/conversations/storage"
)

// UserHeader carries the id of the authenticated viewer, set by the gateway
// in front of the API.
const UserHeader = "X-User-ID"

// An ImageStore serves uploaded chat images.
type ImageStore interface {
	Name() string
	Get(ctx context.Context, path string) (storage.Object, error)
}

// API provides the REST endpoints for the application.
type API struct {
	Logger *slog.Logger
	Chat   *chat.Service
	Images ImageStore
	Val    *validator.Validator
	// Limiter throttles message sends per viewer. Nil means unlimited.
	Limiter *Limiter
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler

	once sync.Once
	mux  *http.ServeMux
}

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /conversations", a.listConversations)
	mux.HandleFunc("POST /conversations", a.startConversation)
	mux.HandleFunc("GET /conversations/{id}", a.getConversation)
	mux.HandleFunc("DELETE /conversations/{id}", a.deleteConversation)
	mux.HandleFunc("GET /conversations/{id}/live", a.liveConversation)

	mux.HandleFunc("POST /conversations/{id}/messages", a.sendMessage)
	mux.HandleFunc("PUT /conversations/{id}/reply", a.setReply)
	mux.HandleFunc("DELETE /conversations/{id}/reply", a.clearReply)
	mux.HandleFunc("POST /messages/{messageID}/reactions", a.toggleReaction)

	mux.HandleFunc("GET /conversations/{id}/options", a.getOptions)
	mux.HandleFunc("POST /conversations/{id}/mute", a.toggleOption(a.Chat.ToggleMute))
	mux.HandleFunc("POST /conversations/{id}/block", a.toggleOption(a.Chat.ToggleBlock))
	mux.HandleFunc("POST /conversations/{id}/restrict", a.toggleOption(a.Chat.ToggleRestrict))
	mux.HandleFunc("POST /conversations/{id}/encryption", a.toggleOption(a.Chat.ToggleEncryption))
	mux.HandleFunc("PUT /conversations/{id}/disappearing", a.setDisappearing)

	mux.HandleFunc("GET /storage/{bucket}/{path...}", a.getImage)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("Error", "status", status, "error", err.Error())
	} else {
		a.Logger.Info("Request rejected", "status", status, "error", err.Error())
	}
	a.respond(w, status, response{Error: msg})
}

type validationResponse struct {
	Errors []validator.ValidationError `json:"errors"`
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	if errs := a.Val.ValidateStruct(s); len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &validationResponse{Errors: errs})
		return false
	}
	return true
}

// decodeBody decodes a JSON request body into dst and validates it.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return false
	}
	return a.validateBody(w, dst)
}

var errNoViewer = errors.New("missing " + UserHeader + " header")

// viewer returns the authenticated user of the request.
func (a *API) viewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		a.respondError(w, http.StatusUnauthorized, errNoViewer, "Missing "+UserHeader+" header")
		return "", false
	}
	return id, true
}

// location reads the tz query parameter, defaulting to UTC.
func (a *API) location(w http.ResponseWriter, r *http.Request) (*time.Location, bool) {
	tz := r.URL.Query().Get("tz")
	if tz == "" {
		return time.UTC, true
	}
	if errs := a.Val.Validate("tz", tz, "timezone"); len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &validationResponse{Errors: errs})
		return nil, false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not load time zone")
		return nil, false
	}
	return loc, true
}

// respondChatError maps service errors to statuses. Anything unexpected is
// reported as a transient failure with msg as the notice.
func (a *API) respondChatError(w http.ResponseWriter, err error, msg string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		a.respond(w, http.StatusBadRequest, &validationResponse{Errors: []validator.ValidationError{
			{Field: verr.Field, Message: verr.Message},
		}})
	case errors.Is(err, chat.ErrNotParticipant):
		a.respondError(w, http.StatusForbidden, err, "You are not part of this conversation")
	case errors.Is(err, chat.ErrBlocked):
		a.respondError(w, http.StatusForbidden, err, "Messaging is blocked between you and this user")
	case errors.Is(err, chat.ErrMessagingNotAllowed):
		a.respondError(w, http.StatusForbidden, err, "This user does not accept messages from you")
	case errors.Is(err, chat.ErrNotFound):
		a.respondError(w, http.StatusNotFound, err, "Not found")
	case errors.Is(err, chat.ErrSendInFlight):
		a.respondError(w, http.StatusConflict, err, "A message is already being sent")
	default:
		a.respondError(w, http.StatusServiceUnavailable, err, msg)
	}
}
