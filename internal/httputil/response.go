// Package httputil holds the JSON request and response helpers shared by the
// API handlers and middleware, and a small client for the API.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// DecodeJSON reads a single JSON object, rejecting unknown fields and
// oversized bodies.
func DecodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, "decode body: %v", err)
	}
	return nil
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err onto its HTTP status and writes an ErrorBody.
func WriteError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error(), Code: "internal", Kind: string(apperr.KindInternal)}
	var svcErr *apperr.ServiceError
	if errors.As(err, &svcErr) {
		body.Code = svcErr.Code
		body.Kind = string(svcErr.Kind)
		body.Message = svcErr.Message
	}
	WriteJSON(w, apperr.HTTPStatusOf(err), body)
}

// StatusError is returned by the client for non-2xx responses.
type StatusError struct {
	Status int
	Body   ErrorBody
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Body.Error)
}
