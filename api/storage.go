package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edgeee/conversations/storage"
)

var errUnknownBucket = errors.New("unknown bucket")

func (a *API) getImage(w http.ResponseWriter, r *http.Request) {
	if a.Images == nil || r.PathValue("bucket") != a.Images.Name() {
		a.respondError(w, http.StatusNotFound, errUnknownBucket, "Not found")
		return
	}

	obj, err := a.Images.Get(r.Context(), r.PathValue("path"))
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidPath) {
		a.respondError(w, http.StatusNotFound, err, "Not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err, "Could not load image")
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		a.Logger.Error("Could not write image", "error", err.Error())
	}
}
