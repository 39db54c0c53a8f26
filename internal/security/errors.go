package security

import (
	"encoding/json"
	"net/http"
)

// ValidationFailed is the error code for request bodies rejected field by field.
const ValidationFailed = "validation_failed"

// FieldError points at the part of a request body that was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error         string       `json:"error"`
	Message       string       `json:"message,omitempty"`
	Fields        []FieldError `json:"fields,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteErrorResponse(w, r, status, ErrorResponse{Error: code})
}

// WriteErrorResponse writes resp with the request's correlation id filled in.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	resp.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
