package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator rejects request bodies that do not match a schema
// before they reach a handler.
type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(schemaJSON string) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{schema: schema}, nil
}

// Validate checks a raw JSON document and returns the offending fields.
func (v *JSONSchemaValidator) Validate(body []byte) ([]FieldError, error) {
	var payload interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	err := v.schema.Validate(payload)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	return fieldErrors(ve, nil), nil
}

func fieldErrors(ve *jsonschema.ValidationError, out []FieldError) []FieldError {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			field = "body"
		}
		return append(out, FieldError{Field: strings.ReplaceAll(field, "/", "."), Message: ve.Message})
	}
	for _, cause := range ve.Causes {
		out = fieldErrors(cause, out)
	}
	return out
}

func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		_ = r.Body.Close()

		fields, err := v.Validate(body)
		if err != nil {
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if len(fields) > 0 {
			WriteErrorResponse(w, r, http.StatusUnprocessableEntity, ErrorResponse{Error: ValidationFailed, Fields: fields})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
