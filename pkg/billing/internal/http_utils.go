package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultBodyLimit caps webhook payloads read by the providers.
const DefaultBodyLimit = 256 * 1024

var (
	// ErrPayloadTooLarge is returned when the request body exceeds the size limit
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrEmptyBody is returned when the request has no body
	ErrEmptyBody = errors.New("empty body")
)

// ReadBodyStrict reads the request body and validates it's not empty.
// Enforces a size limit to prevent memory exhaustion.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, ErrEmptyBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// WriteJSON writes a JSON response with proper headers
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// WriteText writes a plain-text response.
func WriteText(w http.ResponseWriter, code int, msg string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, err := io.WriteString(w, msg)
	return err
}
