package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"carchat/attachment"
	"carchat/models"
	"carchat/moderation"
	"carchat/storage"
)

type registerRequest struct {
	Email       string      `json:"email" validate:"required,email"`
	Password    string      `json:"password" validate:"required"`
	DisplayName string      `json:"display_name" validate:"max=80"`
	Role        models.Role `json:"role" validate:"omitempty,oneof=buyer seller"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type deviceRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

type sendTextRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type reportRequest struct {
	ReportedID      string `json:"reported_id" validate:"required"`
	OwnerID         string `json:"owner_id" validate:"required_with=CarID BuyerID"`
	CarID           string `json:"car_id" validate:"required_with=OwnerID BuyerID"`
	BuyerID         string `json:"buyer_id" validate:"required_with=OwnerID CarID"`
	Reason          string `json:"reason" validate:"required,max=2000"`
	IncludeMessages bool   `json:"include_messages"`
	Block           bool   `json:"block"`
}

type resolveRequest struct {
	Status models.ReportStatus `json:"status" validate:"required,oneof=resolved dismissed"`
}

type auditEventResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id"`
	SubjectID *string         `json:"subject_id,omitempty"`
	Details   json.RawMessage `json:"details"`
	Severity  string          `json:"severity"`
	Timestamp int64           `json:"timestamp"`
}

type countResponse struct {
	Updated int `json:"updated"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Admin accounts are provisioned out of band.
	user, err := s.deps.Accounts.Register(r.Context(), req.Email, req.Password, req.DisplayName, req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, user, err := s.deps.Accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Logout(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		s.writeError(w, r, invalid("push notifications are not configured"))
		return
	}
	var req deviceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user := userFrom(r.Context())
	if err := s.deps.Devices.SaveDeviceToken(r.Context(), user.ID, req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	summaries, err := s.deps.Chat.Conversations(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func conversationKey(r *http.Request) (models.ConversationKey, error) {
	vars := mux.Vars(r)
	return models.NewConversationKey(vars["owner"], vars["car"], vars["buyer"])
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, invalid("limit must be a non-negative integer"))
			return
		}
	}

	messages, err := s.deps.Chat.History(r.Context(), key, userFrom(r.Context()).ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) sendText(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sendTextRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	message, err := s.deps.Chat.SendText(r.Context(), key, userFrom(r.Context()).ID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) sendAttachment(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, attachment.ErrTooLarge)
			return
		}
		s.writeError(w, r, invalid("invalid multipart body: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, invalid("missing file part"))
		return
	}
	defer file.Close()

	text := strings.TrimSpace(r.FormValue("text"))
	message, err := s.deps.Chat.SendAttachment(r.Context(), key, userFrom(r.Context()).ID, text, header.Filename, file)
	if err != nil {
		// A failed upload still leaves a failed message in the conversation.
		s.writeErrorWith(w, r, err, message)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) markConversation(status models.MessageStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := conversationKey(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		userID := userFrom(r.Context()).ID

		var updated int
		if status == models.StatusRead {
			updated, err = s.deps.Chat.MarkConversationRead(r.Context(), key, userID)
		} else {
			updated, err = s.deps.Chat.MarkConversationDelivered(r.Context(), key, userID)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{Updated: updated})
	}
}

func (s *Server) markMessage(status models.MessageStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := conversationKey(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		userID := userFrom(r.Context()).ID
		messageID := mux.Vars(r)["id"]

		var message *models.Message
		if status == models.StatusRead {
			message, err = s.deps.Chat.MarkRead(r.Context(), key, userID, messageID)
		} else {
			message, err = s.deps.Chat.MarkDelivered(r.Context(), key, userID, messageID)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, message)
	}
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Chat.DeleteForUser(r.Context(), key, userFrom(r.Context()).ID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attachments == nil {
		s.writeError(w, r, invalid("attachments are not configured"))
		return
	}
	query := r.URL.Query()
	file, err := s.deps.Attachments.Fetch(r.Context(), models.Attachment{
		Hash:        mux.Vars(r)["hash"],
		Name:        query.Get("name"),
		URL:         query.Get("url"),
		ContentType: query.Get("type"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := os.Open(file.LocalPath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	if file.ContentType != "" {
		w.Header().Set("Content-Type", file.ContentType)
	}
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(file.Name))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	http.ServeContent(w, r, file.Name, timeFromMillis(file.CreatedAt), f)
}

func (s *Server) listCachedAttachments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attachments == nil {
		s.writeError(w, r, invalid("attachments are not configured"))
		return
	}
	files, err := s.deps.Attachments.Cached(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) purgeAttachment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attachments == nil {
		s.writeError(w, r, invalid("attachments are not configured"))
		return
	}
	hash := mux.Vars(r)["hash"]
	if err := s.deps.Attachments.Purge(r.Context(), hash); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("hash", hash).Str("admin", userFrom(r.Context()).ID).Msg("attachment purged by admin")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.deps.Moderation.Blocked(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if blocked == nil {
		blocked = []string{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Moderation.Block(r.Context(), userFrom(r.Context()).ID, mux.Vars(r)["userID"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Moderation.Unblock(r.Context(), userFrom(r.Context()).ID, mux.Vars(r)["userID"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fileReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	in := moderation.ReportInput{
		ReporterID:      userFrom(r.Context()).ID,
		ReportedID:      req.ReportedID,
		Reason:          req.Reason,
		IncludeMessages: req.IncludeMessages,
		BlockToo:        req.Block,
	}
	if req.OwnerID != "" {
		key, err := models.NewConversationKey(req.OwnerID, req.CarID, req.BuyerID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		in.Key = &key
	}

	report, err := s.deps.Moderation.Report(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	status := models.ReportStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, r, invalid("unknown report status %q", status))
		return
	}
	reports, err := s.deps.Moderation.Reports(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) resolveReport(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.deps.Moderation.Resolve(r.Context(), mux.Vars(r)["id"], userFrom(r.Context()).ID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.AuditEventFilter{
		EventType: query.Get("type"),
		ActorID:   query.Get("actor"),
		SubjectID: query.Get("subject"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, invalid("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	events, err := s.deps.Audit.GetAuditEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, auditEventResponse{
			ID:        event.ID,
			EventType: event.EventType,
			ActorID:   event.ActorID,
			SubjectID: event.SubjectID,
			Details:   json.RawMessage(event.Details),
			Severity:  event.Severity,
			Timestamp: event.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
