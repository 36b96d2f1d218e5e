// Copyright Contributors to the Nublado project

package handlers

import (
	"net/http"

	"github.com/lsst-sqre/nublado-controller/internal/image"
)

// ImageHandler serves the image catalog and prepuller status.
type ImageHandler struct {
	images *image.Service
}

func NewImageHandler(images *image.Service) *ImageHandler {
	return &ImageHandler{images: images}
}

// List returns every known image with its prepulled flag.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.images.Images())
}

// Prepulls returns the prepuller status per image and per node.
func (h *ImageHandler) Prepulls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.images.Status())
}
