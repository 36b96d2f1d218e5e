// Copyright Contributors to the Nublado project

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado-controller/internal/lab"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/server/middleware"
)

// LabHandler serves the spawner API backed by the lab manager.
type LabHandler struct {
	labs *lab.Manager
}

func NewLabHandler(labs *lab.Manager) *LabHandler {
	return &LabHandler{labs: labs}
}

// List returns the usernames with a known lab.
func (h *LabHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.labs.Usernames())
}

// Get returns one user's lab state.
func (h *LabHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.labs.State(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Create starts a lab spawn for the named user. The caller must be that
// user; JupyterHub submits these requests with the user's delegated token.
func (h *LabHandler) Create(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user := middleware.User(r.Context())
	if user.Username != username {
		writeError(w, nuberr.NewClientError(nuberr.KindPermissionDenied,
			"cannot create lab for another user"))
		return
	}

	var spec lab.Specification
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, nuberr.NewClientError(nuberr.KindInvalidImageRef,
			"cannot parse request body: %v", err))
		return
	}
	if err := h.labs.Spawn(user, middleware.Token(r.Context()), &spec); err != nil {
		writeError(w, err)
		return
	}

	location := fmt.Sprintf("/nublado/spawner/v1/labs/%s", username)
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, location)
}

// Delete removes the named user's lab, blocking until it is gone.
func (h *LabHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.labs.Delete(r.Context(), chi.URLParam(r, "username")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserStatus returns the calling user's own lab state.
func (h *LabHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.User(r.Context())
	state, err := h.labs.State(r.Context(), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Events streams the user's spawn or delete progress as server-sent
// events. The stream ends after the operation's terminal event.
func (h *LabHandler) Events(w http.ResponseWriter, r *http.Request) {
	stream, err := h.labs.Events(chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = stream.Follow(r.Context(), func(ev lab.Event) error {
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		log.Error(err, "event stream aborted", "user", chi.URLParam(r, "username"))
	}
}
