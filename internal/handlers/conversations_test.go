package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"property-messaging/internal/messaging"
	"property-messaging/internal/middleware"
	"property-messaging/internal/mocks"
	"property-messaging/internal/models"
	"property-messaging/internal/repositories"
	"property-messaging/internal/storage"
)

var (
	caller = models.Identity{ID: "u1", Email: "u1@example.com"}
	t0     = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

type fakeSessions struct {
	client *messaging.Client
	err    error
}

func (f *fakeSessions) Get(models.Identity) (*messaging.Client, error) {
	return f.client, f.err
}

func setupRouter(sessions Sessions, identity models.Identity) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(func(c *gin.Context) {
		if identity.Present() {
			c.Set(middleware.IdentityKey, identity)
		}
		c.Next()
	})
	NewConversationHandler(sessions).Register(r.Group(""))
	return r
}

func newSessions(store *mocks.StoreMock, uploader storage.Uploader) *fakeSessions {
	return &fakeSessions{client: messaging.NewClient(caller, store, uploader)}
}

func conv(id string) models.Conversation {
	return models.Conversation{ID: id, User1ID: "u1", User2ID: "u2", CreatedAt: t0, LastMessageAt: t0}
}

func do(r http.Handler, method, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsSuccess(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{conv("c1"), conv("c2")}, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodGet, "/conversations", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var resp struct {
		Conversations []map[string]any `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, "c1", resp.Conversations[0]["id"])
	assert.ElementsMatch(t, []any{"u1", "u2"}, resp.Conversations[0]["participants"])
	store.AssertAll(t)
}

func TestListConversationsEmptyIsArray(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return(nil, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodGet, "/conversations", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestListConversationsStoreUnavailable(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return(nil, repositories.ErrStoreUnavailable).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodGet, "/conversations", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")
}

func TestRequestsWithoutIdentityAreRejected(t *testing.T) {
	router := setupRouter(&fakeSessions{}, models.Identity{})

	rec := do(router, http.MethodGet, "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionUnavailable(t *testing.T) {
	router := setupRouter(&fakeSessions{err: assert.AnError}, caller)

	rec := do(router, http.MethodGet, "/conversations", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartConversationValidation(t *testing.T) {
	store := mocks.NewStoreMock()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations", "application/json", bytes.NewBufferString(`{"subject":"hi"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodPost, "/conversations", "application/json", bytes.NewBufferString(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	store.AssertAll(t)
}

func TestStartConversationSuccess(t *testing.T) {
	store := mocks.NewStoreMock()
	created := conv("c1")
	store.Convs.On("CreateOrGet", mock.Anything, "u1", "u2", (*string)(nil), mock.Anything).Return(created, nil).Once()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{created}, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations", "application/json", bytes.NewBufferString(`{"other_user_id":"u2","subject":"Viewing"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"c1"`)
	assert.NotContains(t, rec.Body.String(), "initial_message_error")
	store.AssertAll(t)
}

func TestStartConversationInitialMessageFailure(t *testing.T) {
	store := mocks.NewStoreMock()
	created := conv("c1")
	store.Convs.On("CreateOrGet", mock.Anything, "u1", "u2", (*string)(nil), (*string)(nil)).Return(created, nil).Once()
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(created, nil).Once()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{created}, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations", "application/json", bytes.NewBufferString(`{"other_user_id":"u2","initial_message":"   "}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, repositories.ErrInvalidMessage.Error(), resp["initial_message_error"])
	store.AssertAll(t)
}

func TestStartConversationWithSelf(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("CreateOrGet", mock.Anything, "u1", "u1", (*string)(nil), (*string)(nil)).
		Return(nil, repositories.ErrInvalidParticipants).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations", "application/json", bytes.NewBufferString(`{"other_user_id":"u1"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	store.AssertAll(t)
}

func TestOpenConversation(t *testing.T) {
	store := mocks.NewStoreMock()
	current := conv("c1")
	msgs := []models.Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hello", CreatedAt: t0}}
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(current, nil).Once()
	store.Msgs.On("ListForConversation", mock.Anything, "c1").Return(msgs, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodGet, "/conversations/c1/messages", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "c1", resp.Conversation.ID)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello", resp.Messages[0].Content)
	store.AssertAll(t)
}

func TestOpenConversationNotFound(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("Get", mock.Anything, "missing", "u1").Return(nil, repositories.ErrNotFound).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodGet, "/conversations/missing/messages", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	store.AssertAll(t)
}

func TestSendMessageJSON(t *testing.T) {
	store := mocks.NewStoreMock()
	current := conv("c1")
	sent := models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", CreatedAt: t0.Add(time.Minute)}
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(current, nil).Once()
	store.On("InTx", mock.Anything).Return(nil).Once()
	store.Msgs.On("Append", mock.Anything, "c1", "u1", "hi", mock.Anything).Return(sent, nil).Once()
	store.Convs.On("TouchOnNewMessage", mock.Anything, "c1", sent.CreatedAt, "u2").Return(nil).Once()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{current}, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations/c1/messages", "application/json", bytes.NewBufferString(`{"content":"hi"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"m1"`)
	store.AssertAll(t)
}

func TestSendMessageBlankIsRejected(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(conv("c1"), nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodPost, "/conversations/c1/messages", "application/json", bytes.NewBufferString(`{"content":"  "}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	store.AssertNotCalled(t, "InTx", mock.Anything)
	store.AssertAll(t)
}

func multipartBody(t *testing.T, content string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("content", content))
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestSendMessageMultipartUploadsFiles(t *testing.T) {
	store := mocks.NewStoreMock()
	uploader := new(mocks.UploaderMock)
	current := conv("c1")
	sent := models.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", Attachments: []string{"https://cdn/plan.pdf"}, CreatedAt: t0.Add(time.Minute)}

	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(current, nil).Once()
	uploader.On("Upload", mock.Anything, mock.MatchedBy(func(f storage.File) bool { return f.Name == "plan.pdf" })).
		Return("https://cdn/plan.pdf", nil).Once()
	store.On("InTx", mock.Anything).Return(nil).Once()
	store.Msgs.On("Append", mock.Anything, "c1", "u1", "", []string{"https://cdn/plan.pdf"}).Return(sent, nil).Once()
	store.Convs.On("TouchOnNewMessage", mock.Anything, "c1", sent.CreatedAt, "u2").Return(nil).Once()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return([]models.Conversation{current}, nil).Once()
	router := setupRouter(newSessions(store, uploader), caller)

	body, contentType := multipartBody(t, "", map[string]string{"plan.pdf": "%PDF-1.4"})
	rec := do(router, http.MethodPost, "/conversations/c1/messages", contentType, body)

	require.Equal(t, http.StatusCreated, rec.Code)
	store.AssertAll(t)
	uploader.AssertExpectations(t)
}

func TestSendMessageUploadFailure(t *testing.T) {
	store := mocks.NewStoreMock()
	uploader := new(mocks.UploaderMock)
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(conv("c1"), nil).Once()
	uploader.On("Upload", mock.Anything, mock.Anything).Return("", storage.ErrUpload).Once()
	router := setupRouter(newSessions(store, uploader), caller)

	body, contentType := multipartBody(t, "see attached", map[string]string{"a.jpg": "jpeg"})
	rec := do(router, http.MethodPost, "/conversations/c1/messages", contentType, body)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	store.AssertNotCalled(t, "InTx", mock.Anything)
}

func TestDeleteConversation(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("Get", mock.Anything, "c1", "u1").Return(conv("c1"), nil).Once()
	store.Convs.On("Delete", mock.Anything, "c1", "u1").Return(nil).Once()
	store.Convs.On("ListForUser", mock.Anything, "u1").Return(nil, nil).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodDelete, "/conversations/c1", "", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	store.AssertAll(t)
}

func TestDeleteConversationForbidden(t *testing.T) {
	store := mocks.NewStoreMock()
	store.Convs.On("Get", mock.Anything, "c9", "u1").Return(nil, repositories.ErrNotAuthorized).Once()
	router := setupRouter(newSessions(store, nil), caller)

	rec := do(router, http.MethodDelete, "/conversations/c9", "", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	store.AssertAll(t)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		repositories.ErrNotFound:            http.StatusNotFound,
		repositories.ErrNotAuthorized:       http.StatusForbidden,
		repositories.ErrInvalidMessage:      http.StatusBadRequest,
		repositories.ErrInvalidParticipants: http.StatusBadRequest,
		storage.ErrUpload:                   http.StatusBadGateway,
		repositories.ErrStoreUnavailable:    http.StatusServiceUnavailable,
		messaging.ErrSuperseded:             http.StatusConflict,
		assert.AnError:                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
	assert.Empty(t, errorMessage(assert.AnError))
}

func TestRequestIDIsEchoed(t *testing.T) {
	router := setupRouter(&fakeSessions{}, models.Identity{})

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
