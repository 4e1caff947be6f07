package handlers

import (
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"property-messaging/internal/messaging"
	"property-messaging/internal/middleware"
	"property-messaging/internal/models"
	"property-messaging/internal/repositories"
	"property-messaging/internal/storage"
	"property-messaging/internal/telemetry"
)

const (
	maxAttachments    = 10
	maxAttachmentSize = 20 << 20
	maxMultipartForm  = 64 << 20
)

// Sessions resolves the messaging client of an authenticated user.
type Sessions interface {
	Get(identity models.Identity) (*messaging.Client, error)
}

// ConversationHandler exposes the messaging facade over HTTP.
type ConversationHandler struct {
	sessions Sessions
	validate *validator.Validate
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(sessions Sessions) *ConversationHandler {
	return &ConversationHandler{sessions: sessions, validate: validator.New()}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/conversations", h.ListConversations)
	rg.POST("/conversations", h.StartConversation)
	rg.GET("/conversations/:id/messages", h.OpenConversation)
	rg.POST("/conversations/:id/messages", h.SendMessage)
	rg.DELETE("/conversations/:id", h.DeleteConversation)
}

type startRequest struct {
	OtherUserID    string  `json:"other_user_id" validate:"required,max=128"`
	Subject        *string `json:"subject" validate:"omitempty,max=200"`
	InitialMessage *string `json:"initial_message" validate:"omitempty,max=5000"`
	PropertyID     *string `json:"property_id" validate:"omitempty,max=128"`
}

type sendRequest struct {
	Content string `json:"content" form:"content" validate:"max=5000"`
}

func (h *ConversationHandler) client(c *gin.Context) (*messaging.Client, bool) {
	identity := middleware.IdentityFrom(c)
	if !identity.Present() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}
	c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), requestIDFromContext(c)))

	session, err := h.sessions.Get(identity)
	if err != nil {
		log.Printf("handlers: session unavailable user_id=%s: %v", identity.ID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable"})
		return nil, false
	}
	return session, true
}

// ListConversations returns the caller's conversations, most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	session, ok := h.client(c)
	if !ok {
		return
	}
	list, err := session.ListConversations(c.Request.Context())
	if err != nil {
		writeError(c, err, "failed to load conversations")
		return
	}
	if list == nil {
		list = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation opens or finds the conversation with another user. A failed initial
// message still returns the conversation, with the send error alongside it.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	session, ok := h.client(c)
	if !ok {
		return
	}

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := session.Start(c.Request.Context(), messaging.StartInput{
		OtherUserID:    req.OtherUserID,
		Subject:        req.Subject,
		InitialMessage: req.InitialMessage,
		PropertyID:     req.PropertyID,
	})
	if err != nil {
		if conv.ID == "" {
			writeError(c, err, "failed to start conversation")
			return
		}
		msg := errorMessage(err)
		if msg == "" {
			msg = "failed to send initial message"
		}
		c.JSON(http.StatusCreated, gin.H{"conversation": conv, "initial_message_error": msg})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// OpenConversation selects the conversation for the caller and returns its messages.
func (h *ConversationHandler) OpenConversation(c *gin.Context) {
	session, ok := h.client(c)
	if !ok {
		return
	}
	snap, err := session.OpenConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "failed to open conversation")
		return
	}
	msgs := snap.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": snap.Current, "messages": msgs})
}

// SendMessage accepts either a JSON body or a multipart form with content and files.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	session, ok := h.client(c)
	if !ok {
		return
	}

	var (
		req   sendRequest
		files []storage.File
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMultipartForm)
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		req.Content = strings.Join(form.Value["content"], "")
		opened, closeAll, err := openFiles(form.File["files"])
		defer closeAll()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		files = opened
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := session.Send(c.Request.Context(), c.Param("id"), req.Content, files)
	if err != nil {
		writeError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// DeleteConversation removes the conversation for both participants.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	session, ok := h.client(c)
	if !ok {
		return
	}
	if err := session.Remove(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err, "failed to delete conversation")
		return
	}
	c.Status(http.StatusNoContent)
}

func openFiles(headers []*multipart.FileHeader) ([]storage.File, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	if len(headers) > maxAttachments {
		return nil, closeAll, fmt.Errorf("at most %d attachments allowed", maxAttachments)
	}
	files := make([]storage.File, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > maxAttachmentSize {
			return nil, closeAll, fmt.Errorf("attachment %s exceeds %d bytes", fh.Filename, maxAttachmentSize)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("read attachment %s", fh.Filename)
		}
		opened = append(opened, f)
		files = append(files, storage.File{Name: fh.Filename, Reader: f})
	}
	return files, closeAll, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrInvalidMessage), errors.Is(err, repositories.ErrInvalidParticipants):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUpload):
		return http.StatusBadGateway
	case errors.Is(err, repositories.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, messaging.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage exposes the classified error text and hides anything unclassified.
func errorMessage(err error) string {
	for _, known := range []error{
		repositories.ErrNotFound,
		repositories.ErrNotAuthorized,
		repositories.ErrInvalidMessage,
		repositories.ErrInvalidParticipants,
		repositories.ErrStoreUnavailable,
		storage.ErrUpload,
		messaging.ErrSuperseded,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ""
}

func writeError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	msg := errorMessage(err)
	if msg == "" {
		msg = fallback
	}
	if status >= http.StatusInternalServerError {
		log.Printf("handlers: %s request_id=%s: %v", fallback, telemetry.RequestID(c.Request.Context()), err)
	}
	c.JSON(status, gin.H{"error": msg})
}
