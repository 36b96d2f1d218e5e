// Copyright Contributors to the Nublado project

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/lsst-sqre/nublado-controller/internal/nuberr"
)

var log = ctrl.Log.WithName("handlers")

// ErrorDetail is one entry in an error response body.
type ErrorDetail struct {
	Type string   `json:"type"`
	Msg  string   `json:"msg"`
	Loc  []string `json:"loc,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Detail []ErrorDetail `json:"detail"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps a domain error onto its HTTP response. Client errors
// carry their own status and kind; timeouts and Kubernetes failures are
// internal errors.
func writeError(w http.ResponseWriter, err error) {
	var ce *nuberr.ClientError
	if errors.As(err, &ce) {
		detail := ErrorDetail{Type: string(ce.Kind), Msg: ce.Message}
		if ce.Path != "" {
			detail.Loc = append([]string{"body"}, strings.Split(ce.Path, ".")...)
		}
		writeJSON(w, ce.Status(), ErrorResponse{Detail: []ErrorDetail{detail}})
		return
	}
	if nuberr.IsTimeout(err) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Detail: []ErrorDetail{{Type: "timeout", Msg: err.Error()}},
		})
		return
	}
	log.Error(err, "request failed")
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Detail: []ErrorDetail{{Type: "internal_error", Msg: err.Error()}},
	})
}
