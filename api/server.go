// Package api exposes the chat core over HTTP and websockets.
package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carchat/attachment"
	"carchat/chat"
	"carchat/identity"
	"carchat/models"
	"carchat/moderation"
	"carchat/storage"
)

// Accounts handles sign-up and password login. It is absent in the
// single-identity device mode.
type Accounts interface {
	Register(ctx context.Context, email, password, displayName string, role models.Role) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, *models.User, error)
	Logout(ctx context.Context, token string) error
}

// Devices stores push tokens.
type Devices interface {
	SaveDeviceToken(ctx context.Context, userID, token string) error
}

// AuditLog reads moderation audit records for admins.
type AuditLog interface {
	GetAuditEvents(ctx context.Context, filter storage.AuditEventFilter) ([]storage.AuditEvent, error)
}

// Deps are the services the HTTP surface drives.
type Deps struct {
	Chat        *chat.Service
	Moderation  *moderation.Service
	Attachments *attachment.Pipeline
	Identity    identity.Provider
	Accounts    Accounts
	Devices     Devices
	Audit       AuditLog
	// MaxUploadBytes caps multipart request bodies.
	MaxUploadBytes int64
}

// Server routes requests to the services.
type Server struct {
	deps     Deps
	log      zerolog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(deps Deps, log zerolog.Logger) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = attachment.DefaultMaxSize
	}
	return &Server{
		deps:     deps,
		log:      log,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with logging and recovery applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.requestLogger)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	if s.deps.Accounts != nil {
		auth := r.PathPrefix("/api/auth").Subrouter()
		auth.HandleFunc("/register", s.register).Methods(http.MethodPost)
		auth.HandleFunc("/login", s.login).Methods(http.MethodPost)
		auth.Handle("/logout", s.authenticated(http.HandlerFunc(s.logout))).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticated)

	api.HandleFunc("/devices", s.registerDevice).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)

	conv := api.PathPrefix("/conversations/{owner}/{car}/{buyer}").Subrouter()
	conv.HandleFunc("/messages", s.history).Methods(http.MethodGet)
	conv.HandleFunc("/messages", s.sendText).Methods(http.MethodPost)
	conv.HandleFunc("/attachments", s.sendAttachment).Methods(http.MethodPost)
	conv.HandleFunc("/read", s.markConversation(models.StatusRead)).Methods(http.MethodPost)
	conv.HandleFunc("/delivered", s.markConversation(models.StatusDelivered)).Methods(http.MethodPost)
	conv.HandleFunc("/messages/{id}/read", s.markMessage(models.StatusRead)).Methods(http.MethodPost)
	conv.HandleFunc("/messages/{id}/delivered", s.markMessage(models.StatusDelivered)).Methods(http.MethodPost)
	conv.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	conv.HandleFunc("/ws", s.stream).Methods(http.MethodGet)

	api.HandleFunc("/attachments/{hash}", s.downloadAttachment).Methods(http.MethodGet)

	api.HandleFunc("/blocks", s.listBlocks).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{userID}", s.block).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{userID}", s.unblock).Methods(http.MethodDelete)
	api.HandleFunc("/reports", s.fileReport).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireRole(models.RoleAdmin))
	admin.HandleFunc("/reports", s.listReports).Methods(http.MethodGet)
	admin.HandleFunc("/reports/{id}/resolve", s.resolveReport).Methods(http.MethodPost)
	admin.HandleFunc("/attachments", s.listCachedAttachments).Methods(http.MethodGet)
	admin.HandleFunc("/attachments/{hash}", s.purgeAttachment).Methods(http.MethodDelete)
	if s.deps.Audit != nil {
		admin.HandleFunc("/audit", s.listAuditEvents).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
