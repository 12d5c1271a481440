package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"vmgate/core/domain"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// WriteJSON encodes v with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// WriteError answers with an ErrorResponse. The status code is derived from
// kind unless status is non-zero.
func WriteError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	if status == 0 {
		status = kind.HTTPStatus()
	}
	WriteJSON(w, status, domain.ErrorResponse{Error: msg, Kind: kind})
}

// DecodeJSON reads a JSON body into v and runs its validate tags.
func DecodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return domain.Validate(v)
}

// WriteDecodeError answers a DecodeJSON failure with 400, listing the
// rejected fields when validation failed.
func WriteDecodeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		WriteJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:  verr.Error(),
			Kind:   domain.KindInvalid,
			Fields: verr.Fields,
		})
		return
	}
	WriteError(w, http.StatusBadRequest, domain.KindInvalid, err.Error())
}

// ValidationErrorResponse lists the offending fields of a rejected body
type ValidationErrorResponse struct {
	Error  string              `json:"error"`
	Kind   domain.ErrorKind    `json:"kind"`
	Fields []domain.FieldError `json:"fields"`
}
