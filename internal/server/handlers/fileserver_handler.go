// Copyright Contributors to the Nublado project

package handlers

import (
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado-controller/internal/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
	"github.com/lsst-sqre/nublado-controller/internal/server/middleware"
)

var fileserverPage = template.Must(template.New("files").Parse(`<!DOCTYPE html>
<html>
  <head><title>File server</title></head>
  <body>
    <p>File server for {{.Username}} is running at
      <a href="{{.URL}}">{{.URL}}</a>.
    It will shut down after a period of inactivity; reload this page to
    restart it.</p>
  </body>
</html>
`))

// FileserverHandler serves the file-server admin routes and the user-facing
// /files page.
type FileserverHandler struct {
	fileservers *fileserver.Manager
}

func NewFileserverHandler(fs *fileserver.Manager) *FileserverHandler {
	return &FileserverHandler{fileservers: fs}
}

// List returns users with a running file server.
func (h *FileserverHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	users := h.fileservers.Running()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}

// Get reports one user's file-server status.
func (h *FileserverHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	username := chi.URLParam(r, "username")
	if !h.fileservers.IsRunning(username) {
		writeError(w, nuberr.NewClientError(nuberr.KindUnknownUser,
			"no file server for %q", username))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "running": true})
}

// Delete removes a user's file server.
func (h *FileserverHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	username := chi.URLParam(r, "username")
	if !h.fileservers.IsRunning(username) {
		writeError(w, nuberr.NewClientError(nuberr.KindUnknownUser,
			"no file server for %q", username))
		return
	}
	if err := h.fileservers.Delete(r.Context(), username); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserStatus reports the calling user's file-server status.
func (h *FileserverHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	user := middleware.User(r.Context())
	if !h.fileservers.IsRunning(user.Username) {
		writeError(w, nuberr.NewClientError(nuberr.KindUnknownUser,
			"no file server for %q", user.Username))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": user.Username, "running": true})
}

// Files makes sure the calling user's file server is running and returns a
// pointer page. Reloading the page after an idle shutdown restarts it.
func (h *FileserverHandler) Files(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	user := middleware.User(r.Context())
	if err := h.fileservers.Create(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := fileserverPage.Execute(w, struct {
		Username string
		URL      string
	}{Username: user.Username, URL: h.fileservers.URL(user.Username)})
	if err != nil {
		log.Error(err, "file server page rendering failed")
	}
}

func (h *FileserverHandler) configured(w http.ResponseWriter) bool {
	if h.fileservers.Enabled() {
		return true
	}
	writeError(w, nuberr.NewClientError(nuberr.KindNotConfigured,
		"file servers are not configured"))
	return false
}
