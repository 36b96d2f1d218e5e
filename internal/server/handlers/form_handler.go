// Copyright Contributors to the Nublado project

package handlers

import (
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	"github.com/lsst-sqre/nublado-controller/internal/image"
)

// spawnerForm is the HTML JupyterHub embeds in its spawn page. The field
// names match the options of the lab creation request.
var spawnerForm = template.Must(template.New("form").Parse(`<table width="100%">
  <tr>
    <th>Image</th>
    <th>Options</th>
  </tr>
  <tr>
    <td width="50%" valign="top">
      {{range .Images.Menu}}
      <label>
        <input type="radio" name="image_list" value="{{.Reference}}">
        {{.Name}}
      </label><br>
      {{end}}
      <label>
        <input type="radio" name="image_list" value="use_image_from_dropdown">
        Select uncached image (slower start):
      </label><br>
      <select name="image_dropdown">
        {{range .Images.Dropdown}}
        <option value="{{.Reference}}">{{.Name}}</option>
        {{end}}
      </select>
    </td>
    <td width="50%" valign="top">
      {{range .Sizes}}
      <label>
        <input type="radio" name="size" value="{{.Size}}">
        {{.Size}} ({{.CPU}} CPU, {{.Memory}} RAM)
      </label><br>
      {{end}}
      <br>
      <label>
        <input type="checkbox" name="enable_debug" value="true">
        Enable debug logs
      </label><br>
      <label>
        <input type="checkbox" name="reset_user_env" value="true">
        Reset user environment: relocate .cache, .jupyter, and .local
      </label>
    </td>
  </tr>
</table>
`))

// FormHandler renders the spawner form.
type FormHandler struct {
	cfg    *config.LabConfig
	images *image.Service
}

func NewFormHandler(cfg *config.LabConfig, images *image.Service) *FormHandler {
	return &FormHandler{cfg: cfg, images: images}
}

// Get renders the spawner form for a user. The menu reflects the current
// prepull state, so the user sees which images start fast.
func (h *FormHandler) Get(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Username string
		Images   image.Menu
		Sizes    []config.SizeDefinition
	}{
		Username: chi.URLParam(r, "username"),
		Images:   h.images.MenuImages(),
		Sizes:    h.cfg.Sizes,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := spawnerForm.Execute(w, data); err != nil {
		log.Error(err, "spawner form rendering failed")
	}
}
