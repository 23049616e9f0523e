package errors

import (
	stderrors "errors"
	"encoding/json"
	"net/http"
)

// ErrorResponse is the wire form of spec §6: "{code, msg, data,
// sensitive}"; data and sensitive are omitted (defaulting to null and
// false on the client) when not set.
type ErrorResponse struct {
	Code      uint16 `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// ToResponse converts a taxonomy error to its wire form.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Code:      e.Kind.Code,
		Msg:       e.Kind.Message(),
		Data:      e.Data,
		Sensitive: e.Sensitive,
	}
}

// WriteResponse writes err as the §6 JSON error envelope with the
// Kind's mapped HTTP status. Errors that are not *Error are reported as
// an opaque domain Server error rather than leaking their message.
func WriteResponse(w http.ResponseWriter, domain Domain, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		e = New(Server(domain))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}
