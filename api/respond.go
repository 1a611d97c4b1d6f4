package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"carchat/attachment"
	"carchat/blob"
	"carchat/chat"
	"carchat/identity"
	"carchat/models"
	"carchat/moderation"
)

var errForbidden = errors.New("forbidden")

// badRequest marks malformed input.
type badRequest struct {
	msg string
}

func (e badRequest) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return badRequest{msg: fmt.Sprintf(format, args...)}
}

type errorBody struct {
	Error   string          `json:"error"`
	Message *models.Message `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrUnauthorized),
		errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden),
		errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, chat.ErrNotRecipient),
		errors.Is(err, chat.ErrBlocked),
		errors.Is(err, moderation.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicate),
		errors.Is(err, identity.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, attachment.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidConversationKey),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, moderation.ErrSelfAction),
		errors.Is(err, moderation.ErrReasonRequired),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, attachment.ErrEmpty),
		errors.Is(err, attachment.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.Is(err, attachment.ErrHashMismatch):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrNoUploader):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorWith(w, r, err, nil)
}

func (s *Server) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, message *models.Message) {
	status := statusFor(err)
	text := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		text = "internal error"
	}
	writeJSON(w, status, errorBody{Error: text, Message: message})
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("invalid request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return invalid("validation failed: %s", strings.Join(fields, ", "))
		}
		return invalid("validation failed: %v", err)
	}
	return nil
}
