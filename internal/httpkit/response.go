// Package httpkit holds the JSON helpers shared by the HTTP handlers.
package httpkit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"renderq/internal/pkg/errors"
)

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpkit.decode", "invalid json body")
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// QueryInt parses an integer query parameter, falling back to def when it is
// missing or outside [1, max].
func QueryInt(r *http.Request, key string, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > max {
		return def
	}
	return v
}

// QueryBool reports whether a query parameter is set to a true value.
func QueryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}
