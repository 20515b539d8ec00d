package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// MaxBodyBytes bounds request bodies read by DecodeJSONBody.
const MaxBodyBytes = 1 << 20

// DecodeJSONBody decodes a single JSON value from the request body and checks its
// `validate` tags. Unknown fields are rejected.
func DecodeJSONBody[T any](r *http.Request) (T, error) {
	var data T
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		var zero T
		if errors.Is(err, io.EOF) {
			return zero, errors.New("request body is empty")
		}
		return zero, fmt.Errorf("json unmarshal error: %w", err)
	}
	if dec.More() {
		var zero T
		return zero, errors.New("json unmarshal error: trailing data")
	}
	if err := ValidateStruct(data); err != nil {
		var zero T
		return zero, err
	}
	return data, nil
}

func WriteJSONResponse[T any](w http.ResponseWriter, status int, data T) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
