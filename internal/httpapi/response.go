package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetops/control-plane/pkg/apierrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders err as a JSON error response, mapping apierrors.Error
// to its declared HTTP status and falling back to 500 for anything else.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.HTTPStatus(), errorBody{Code: string(apiErr.Code), Message: apiErr.Message, Details: apiErr.Details})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
