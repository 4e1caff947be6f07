package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"property-messaging/internal/models"
	"property-messaging/internal/repositories"
	"property-messaging/internal/storage"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) CreateOrGet(ctx context.Context, userA, userB string, propertyID, subject *string) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB, propertyID, subject)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID, viewerID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, viewerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Delete(ctx context.Context, conversationID, requesterID string) error {
	args := m.Called(ctx, conversationID, requesterID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) TouchOnNewMessage(ctx context.Context, conversationID string, lastMessageAt time.Time, recipientID string) error {
	args := m.Called(ctx, conversationID, lastMessageAt, recipientID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) ListForConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) Append(ctx context.Context, conversationID, senderID, content string, attachments []string) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content, attachments)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID, userID string, asOf time.Time) error {
	args := m.Called(ctx, conversationID, userID, asOf)
	return args.Error(0)
}

// StoreMock hands out the same repository mocks inside and outside transactions. InTx is
// recorded so tests can assert whether a unit of work was attempted; a configured error
// aborts before fn runs.
type StoreMock struct {
	mock.Mock
	Convs *ConversationRepositoryMock
	Msgs  *MessageRepositoryMock
}

func NewStoreMock() *StoreMock {
	return &StoreMock{Convs: new(ConversationRepositoryMock), Msgs: new(MessageRepositoryMock)}
}

func (m *StoreMock) Conversations() repositories.ConversationRepository { return m.Convs }

func (m *StoreMock) Messages() repositories.MessageRepository { return m.Msgs }

func (m *StoreMock) InTx(ctx context.Context, fn func(conversations repositories.ConversationRepository, messages repositories.MessageRepository) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m.Convs, m.Msgs)
}

func (m *StoreMock) AssertAll(t mock.TestingT) {
	m.AssertExpectations(t)
	m.Convs.AssertExpectations(t)
	m.Msgs.AssertExpectations(t)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, file storage.File) (string, error) {
	args := m.Called(ctx, file)
	return args.String(0), args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Notify(ctx context.Context, n models.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Record(ctx context.Context, action, userID, conversationID string) {
	m.Called(ctx, action, userID, conversationID)
}

type FeedMock struct {
	mock.Mock
}

func (m *FeedMock) Subscribe(ctx context.Context, userID string) (<-chan models.Notification, error) {
	args := m.Called(ctx, userID)
	var ch <-chan models.Notification
	if val := args.Get(0); val != nil {
		switch typed := val.(type) {
		case chan models.Notification:
			ch = typed
		case <-chan models.Notification:
			ch = typed
		}
	}
	return ch, args.Error(1)
}
